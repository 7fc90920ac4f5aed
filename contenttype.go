package udjat

import "strings"

// CanonicalContentType reduces a raw Content-Type header value to the key
// used for content type counters: the media type, optionally followed by
// "; charset=<value>". Every other parameter is discarded, wherever it sits
// in the value. The charset parameter name is matched case-insensitively
// while its value keeps the original case. Parameter segments without an
// equals sign, and empty segments such as the one left by a trailing
// separator, are ignored.
//
// The function is pure, never fails, and returns canonical input unchanged.
// Note that deliberately no RFC level validation takes place: whatever media
// type the server sent is counted as sent.
func CanonicalContentType(raw string) string {
	segments := strings.Split(raw, ";")
	mediaType := strings.TrimSpace(segments[0])

	for _, segment := range segments[1:] {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		name, value, found := strings.Cut(segment, "=")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "charset") {
			return mediaType + "; charset=" + value
		}
	}

	return mediaType
}
