// Package jsonx is the JSON codec used across vestabot.
package jsonx

import jsoniter "github.com/json-iterator/go"

var (
	// JSON is drop-in compatible with encoding/json.
	JSON = jsoniter.ConfigCompatibleWithStandardLibrary

	Marshal    = JSON.Marshal
	Unmarshal  = JSON.Unmarshal
	NewDecoder = JSON.NewDecoder
	NewEncoder = JSON.NewEncoder
)
