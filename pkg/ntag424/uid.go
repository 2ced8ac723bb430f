package ntag424

// GetCardUID retrieves the 7-byte tag UID using the secure DESFire
// GetCardUID command (INS 0x51). Unlike GetUID (plain ISO GET DATA),
// this requires an active EV2 session and returns the real UID even
// when random-UID mode is enabled, which makes it the only trustworthy
// UID source once EnableRandomUID has been applied during
// personalization.
func GetCardUID(card Card, sess *Session) ([]byte, error) {
	out, err := SsmCmdFull(card, sess, 0x51, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, &SWError{Cmd: 0x51, SW: SWLengthError}
	}
	return out, nil
}
