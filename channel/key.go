package channel

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Key is the stable string identity of a channel: the feed name joined with
// the canonicalized parameter set. Two channels with the same feed and the
// same parameters are the same channel, regardless of parameter ordering or
// key casing.
type Key string

// Spec value object owned by a channel's poll timer: everything a tick needs
// to know about its channel. Built once when the channel becomes active.
type Spec struct {
	// Key is the channel key
	Key Key
	// Feed is the feed name
	Feed string
	// Params are the raw channel parameters as given by the subscriber
	Params map[string]interface{}
}

// CanonicalizeParams produce a stable serialized representation of a channel
// parameter set. Keys are lowercased, sorted, and each key / value pair is
// base64url encoded and concatenated in sorted-key order. The result can be
// compared for parameter-set equality via simple string equality, and is safe
// for use inside transport topic names.
func CanonicalizeParams(params map[string]interface{}) string {
	lowered := make(map[string]string, len(params))
	for k, v := range params {
		lowered[strings.ToLower(k)] = fmt.Sprintf("%v", v)
	}
	keys := make([]string, 0, len(lowered))
	for k := range lowered {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	for _, k := range keys {
		builder.WriteString(base64.RawURLEncoding.EncodeToString([]byte(k)))
		builder.WriteString(base64.RawURLEncoding.EncodeToString([]byte(lowered[k])))
	}
	return builder.String()
}

// MakeKey derive the channel key for a feed name and parameter set
func MakeKey(feed string, params map[string]interface{}) Key {
	return Key(fmt.Sprintf("%s_%s", feed, CanonicalizeParams(params)))
}
