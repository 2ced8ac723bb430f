package ntag424

import "errors"

// The terminal never holds the per-tag authorization key bound to key
// slot 2: it is diversified per tag and stays on the cloud side. These
// two calls let a caller relay the EV2First exchange's raw
// ciphertext to and from the cloud without ever decrypting it, so the
// only thing authenticated is the channel between the tag and the
// cloud; the terminal is a transparent pipe.

// BeginCloudAuth sends the first EV2First APDU for the authorization
// key slot and returns the card's encrypted RndB challenge untouched,
// for forwarding to the cloud's AuthenticateNewSession RPC.
func BeginCloudAuth(card Card, keyNo byte) (encryptedChallenge []byte, err error) {
	apdu := []byte{0x90, 0x71, 0x00, 0x00, 0x02, keyNo, 0x00, 0x00}
	resp, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, &AuthError{Step: "step1", Cause: err}
	}
	if sw != SWMoreData || len(resp) != 16 {
		return nil, &AuthError{Step: "step1", SW: sw, RespLen: len(resp)}
	}
	return resp, nil
}

// CompleteCloudAuth sends the cloud's encrypted RndA||RndB' response
// (computed server-side from the challenge BeginCloudAuth returned)
// and returns the card's encrypted confirmation, for forwarding to the
// cloud's CompleteAuthentication RPC. The terminal never derives a
// local Session from this exchange; the cloud is the party that knows
// whether the confirmation is valid.
func CompleteCloudAuth(card Card, encryptedResponse []byte) (encryptedConfirmation []byte, err error) {
	if len(encryptedResponse) != 32 {
		return nil, &AuthError{Step: "step2", Cause: errors.New("cloud response must be 32 bytes")}
	}
	apdu := make([]byte, 0, 5+len(encryptedResponse)+1)
	apdu = append(apdu, 0x90, 0xAF, 0x00, 0x00, 0x20)
	apdu = append(apdu, encryptedResponse...)
	apdu = append(apdu, 0x00)
	resp, sw, err := Transmit(card, apdu)
	if err != nil {
		return nil, &AuthError{Step: "step2", Cause: err}
	}
	if sw != SWDESFireOK || len(resp) != 32 {
		return nil, &AuthError{Step: "step2", SW: sw, RespLen: len(resp)}
	}
	return resp, nil
}
