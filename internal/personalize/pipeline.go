// Package personalize implements the idempotent five-slot key
// provisioning and SDM configuration pipeline of spec.md §4.9: a tag
// may be re-run with the same key set after a partial failure and
// ends up in the same authenticated, SDM-configured state, performing
// no destructive write of a slot whose key already matches.
//
// Grounded directly on minter/provision.go's step ordering and
// reset/reset.go's tryChangeKey fallback-and-retry idiom, generalized
// from that tooling's three-key layout to the five-slot contract of
// spec.md §3 and the exact SDM byte layout of §6.
package personalize

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/barnettlynn/mauthterm/internal/mcore"
	"github.com/barnettlynn/mauthterm/pkg/ntag424"
)

const (
	slotApplication   = 0
	slotTerminal      = 1
	slotAuthorization = 2
	slotSDMMAC        = 3
	slotReserved      = 4
	ndefFileNo        = 0x02
	keyVersionOne     = 0x01
)

// KeySet is the five application keys a caller supplies for one tag.
// Slots 0, 2, 3, 4 are pre-diversified per tag by the cloud; slot 1 is
// the fleet-wide terminal key shared by every reader.
type KeySet struct {
	Application   []byte // slot 0
	Terminal      []byte // slot 1, fleet-wide
	Authorization []byte // slot 2, diversified
	SDMMAC        []byte // slot 3, diversified
	Reserved      []byte // slot 4, diversified
}

func (k KeySet) slot(n byte) []byte {
	switch n {
	case slotTerminal:
		return k.Terminal
	case slotAuthorization:
		return k.Authorization
	case slotSDMMAC:
		return k.SDMMAC
	case slotReserved:
		return k.Reserved
	default:
		return nil
	}
}

// Result reports the outcome of a successful personalization run.
type Result struct {
	UID           []byte
	SDMConfigured bool
	RandomUID     bool // EnableRandomUID is non-fatal; false means it failed
}

var zeroKey = make([]byte, 16)

// Run executes the pipeline against card, idempotently. It is safe to
// call again with the same keys after a partial failure; slots already
// matching the target key are left untouched via the no-op ChangeKey
// retry spec.md §4.9 step 3 describes.
func Run(card ntag424.Card, keys KeySet, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "personalize")

	// Step 1: SELECT, try slot-0 factory auth, and if it succeeds the
	// tag is still at factory defaults for the app master key — change
	// it once (slot-0 form: new key only, no XOR/CRC of an old key).
	if err := ntag424.SelectNDEFApp(card); err != nil {
		return nil, mcore.Wrap("personalize.select", mcore.CodeNtagProtocol, err)
	}
	if sess, err := ntag424.AuthenticateEV2First(card, zeroKey, slotApplication); err == nil {
		logger.Info("tag at factory defaults, setting application key")
		if err := ntag424.ChangeKeySame(card, sess, slotApplication, keys.Application, keyVersionOne); err != nil {
			return nil, mcore.Wrap("personalize.set_application_key", mcore.CodeNtagProtocol, err)
		}
	} else {
		logger.Debug("factory-default slot-0 auth failed, assuming application key already set", "error", err)
	}

	// Step 2: SELECT again (ChangeKey on slot 0 invalidates the
	// session) and authenticate with the application key. This is
	// required for every subsequent step; failure here means the tag
	// is in an unrecoverable partial-personalization state for this
	// caller (it knows no key that currently authenticates slot 0).
	if err := ntag424.SelectNDEFApp(card); err != nil {
		return nil, mcore.Wrap("personalize.reselect", mcore.CodeNtagProtocol, err)
	}
	sess, err := ntag424.AuthenticateEV2First(card, keys.Application, slotApplication)
	if err != nil {
		return nil, mcore.Wrap("personalize.authenticate_application_key", mcore.CodeNtagProtocol, err)
	}

	// Step 3: provision slots 1..4, each idempotently.
	for _, n := range []byte{slotTerminal, slotAuthorization, slotSDMMAC, slotReserved} {
		target := keys.slot(n)
		sess, err = provisionSlot(card, sess, keys.Application, n, target, logger)
		if err != nil {
			return nil, err
		}
	}

	// Step 4: read the authoritative UID from the authenticated session.
	uid, err := ntag424.GetCardUID(card, sess)
	if err != nil {
		return nil, mcore.Wrap("personalize.get_card_uid", mcore.CodeNtagProtocol, err)
	}
	logger.Info("tag UID confirmed", "uid", hex.EncodeToString(uid))

	// Step 5: SDM configuration on the NDEF file, idempotent.
	sdmConfigured, err := configureSDM(card, sess, logger)
	if err != nil {
		return nil, err
	}

	// Step 6: enable random UID. Non-fatal.
	randomUID := true
	if err := ntag424.EnableRandomUID(card, sess); err != nil {
		logger.Warn("enable random UID failed (non-fatal)", "error", err)
		randomUID = false
	}

	return &Result{UID: uid, SDMConfigured: sdmConfigured, RandomUID: randomUID}, nil
}

// provisionSlot changes key slot n from its factory-default value to
// target. If the ChangeKey call fails — most likely because the slot
// was already changed on a prior, partially-completed run — it
// re-authenticates with the application key (ChangeKey failure
// invalidates the session per §4.2) and retries with a no-op change
// (old == new == target), which succeeds iff the tag's stored key
// already equals target. Any other outcome aborts the pipeline.
func provisionSlot(card ntag424.Card, sess *ntag424.Session, appKey []byte, n byte, target []byte, logger *slog.Logger) (*ntag424.Session, error) {
	err := ntag424.ChangeKey(card, sess, n, target, zeroKey, keyVersionOne, slotApplication)
	if err == nil {
		logger.Info("provisioned key slot from factory default", "slot", n)
		return sess, nil
	}
	logger.Debug("ChangeKey from factory default failed, retrying as no-op", "slot", n, "error", err)

	if err := ntag424.SelectNDEFApp(card); err != nil {
		return nil, mcore.Wrap("personalize.reselect_for_retry", mcore.CodeNtagProtocol, err)
	}
	newSess, err := ntag424.AuthenticateEV2First(card, appKey, slotApplication)
	if err != nil {
		return nil, mcore.Wrap("personalize.reauthenticate_for_retry", mcore.CodeNtagProtocol, err)
	}

	if err := ntag424.ChangeKey(card, newSess, n, target, target, keyVersionOne, slotApplication); err != nil {
		return nil, mcore.Wrap(fmt.Sprintf("personalize.provision_slot_%d", n), mcore.CodeNtagProtocol, err)
	}
	logger.Info("key slot already at target value, no-op change verified", "slot", n)
	return newSess, nil
}

// configureSDM checks the NDEF file's current settings against the
// spec-exact template and, unless they already match, writes the
// fixed NDEF template in two plain-mode chunks and enables SDM via
// ChangeFileSettings in Full CommMode. Returns true once the file is
// confirmed SDM-configured (whether this call changed anything or it
// already matched).
func configureSDM(card ntag424.Card, sess *ntag424.Session, logger *slog.Logger) (bool, error) {
	template, err := ntag424.BuildSpecSDMTemplate()
	if err != nil {
		return false, mcore.Wrap("personalize.build_sdm_template", mcore.CodeMalformed, err)
	}

	current, err := ntag424.GetFileSettings(card, sess, ndefFileNo)
	if err == nil && sdmSettingsMatch(current, template) {
		logger.Info("SDM file settings already match target, skipping write")
		return true, nil
	}

	if err := ntag424.SelectFile(card, 0xE104); err != nil {
		return false, mcore.Wrap("personalize.select_ndef_file", mcore.CodeNtagProtocol, err)
	}
	if err := ntag424.WriteNDEFData(card, template.Chunk1); err != nil {
		return false, mcore.Wrap("personalize.write_ndef_chunk1", mcore.CodeNtagProtocol, err)
	}
	if err := ntag424.WriteNDEFData(card, template.Chunk2); err != nil {
		return false, mcore.Wrap("personalize.write_ndef_chunk2", mcore.CodeNtagProtocol, err)
	}

	payload := ntag424.BuildSpecSDMFileSettings(template)
	if err := ntag424.ChangeFileSettingsRaw(card, sess, ndefFileNo, payload); err != nil {
		return false, mcore.Wrap("personalize.change_file_settings_sdm", mcore.CodeNtagProtocol, err)
	}

	verify, err := ntag424.GetFileSettings(card, sess, ndefFileNo)
	if err != nil {
		return false, mcore.Wrap("personalize.verify_sdm", mcore.CodeNtagProtocol, err)
	}
	if !sdmSettingsMatch(verify, template) {
		return false, mcore.New("personalize.verify_sdm", mcore.CodeNtagProtocol, "SDM file settings did not verify after write")
	}
	logger.Info("SDM configured and verified")
	return true, nil
}

func sdmSettingsMatch(fs *ntag424.FileSettings, t *ntag424.SpecSDMTemplate) bool {
	if fs == nil {
		return false
	}
	return fs.FileOption == ntag424.SpecSDMFileOption &&
		fs.AR1 == ntag424.SpecSDMAR1 &&
		fs.AR2 == ntag424.SpecSDMAR2 &&
		fs.SDMOptions == ntag424.SpecSDMOptions &&
		fs.UIDOffset == t.PICCOffset &&
		fs.MACInputOffset == t.MACInputOffset &&
		fs.MACOffset == t.MACOffset
}
