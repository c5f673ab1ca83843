// Package remote implements the publisher and control channels as
// stub/skeleton pairs over framed TCP.
//
// A stub lives with the caller and encodes each call as one Message; a
// skeleton accepts connections and dispatches decoded calls to a local
// target, one goroutine per connection. Subscribe is a handshake: the
// stub listens on an ephemeral port and sends it, the skeleton dials back,
// and every notification for that subscriber is pushed over the reverse
// connection. Only Flush and GetDescriptions wait for a reply.
package remote
