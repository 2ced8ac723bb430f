package ntag424

// EnableRandomUID sets the PICC configuration option (DESFire
// SetConfiguration, INS 0x5C, option 0x00) so the tag presents a
// random, rotating UID at the ISO14443-3 anticollision layer instead
// of its fixed factory UID. This requires an active EV2 session
// authenticated against the ChangeAccessRights key for the PICC
// master application.
//
// Once applied, GetUID (plain ISO GET DATA) no longer returns a
// stable identifier; GetCardUID must be used instead.
func EnableRandomUID(card Card, sess *Session) error {
	_, err := SsmCmdFull(card, sess, 0x5C, []byte{0x00}, []byte{0x02})
	return err
}

// SetConfiguration issues the raw DESFire SetConfiguration command
// (INS 0x5C) for option/data combinations EnableRandomUID doesn't
// cover, such as adjusting SUN message configuration flags.
func SetConfiguration(card Card, sess *Session, option byte, data []byte) error {
	_, err := SsmCmdFull(card, sess, 0x5C, []byte{option}, data)
	return err
}
