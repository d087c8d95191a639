package call

// RoomName derives the signaling topic for a pair of participants. It is
// symmetric: both sides compute the same name without negotiation, because
// the lesser id always comes first.
func RoomName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "call:" + a + ":" + b
}

// IsHost reports whether self plays the host role against peer. Exactly one
// side of a call must emit the offer and the other the answer, otherwise both
// could offer simultaneously; the lesser participant id hosts.
func IsHost(self, peer string) bool {
	return self < peer
}
