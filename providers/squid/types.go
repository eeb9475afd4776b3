package squid

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// flexID accepts both numeric and string identifiers
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*id = flexID(strconv.FormatInt(i, 10))
		return nil
	}
	*id = flexID(n.String())
	return nil
}

func (id flexID) String() string {
	return string(id)
}

type image struct {
	Small     string `json:"small"`
	Thumbnail string `json:"thumbnail"`
	Large     string `json:"large"`
}

func (i image) best() string {
	switch {
	case i.Large != "":
		return i.Large
	case i.Small != "":
		return i.Small
	}
	return i.Thumbnail
}

type named struct {
	Name string `json:"name"`
}

type albumRef struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	Image       image  `json:"image"`
	ReleaseDate string `json:"release_date_original"`
}

type track struct {
	ID           flexID   `json:"id"`
	Title        string   `json:"title"`
	Duration     int      `json:"duration"`
	TrackNumber  int      `json:"track_number"`
	Performer    named    `json:"performer"`
	Album        albumRef `json:"album"`
	BitDepth     int      `json:"maximum_bit_depth"`
	SamplingRate float64  `json:"maximum_sampling_rate"`
}

type album struct {
	ID           flexID  `json:"id"`
	Title        string  `json:"title"`
	Artist       named   `json:"artist"`
	Image        image   `json:"image"`
	ReleaseDate  string  `json:"release_date_original"`
	TracksCount  int     `json:"tracks_count"`
	BitDepth     int     `json:"maximum_bit_depth"`
	SamplingRate float64 `json:"maximum_sampling_rate"`
	Tracks       struct {
		Items []track `json:"items"`
	} `json:"tracks"`
}

type searchResponse struct {
	Data struct {
		Tracks struct {
			Items []track `json:"items"`
		} `json:"tracks"`
		Albums struct {
			Items []album `json:"items"`
		} `json:"albums"`
	} `json:"data"`
}

type albumResponse struct {
	Data album `json:"data"`
}

type trackResponse struct {
	Data track `json:"data"`
}

type downloadResponse struct {
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}
