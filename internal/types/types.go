package types

import (
	"encoding/json"
	"time"
)

// UnixMilli serializes a time as integer milliseconds since the epoch.
type UnixMilli time.Time

func (t UnixMilli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UnixMilli())
}

func (t *UnixMilli) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}

	*t = UnixMilli(time.UnixMilli(ms))
	return nil
}
