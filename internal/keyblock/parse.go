package keyblock

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

var ErrNotKeyblock = errors.New("keyblock does not start with a key packet")

const armorPrefix = "-----BEGIN PGP"

// Dearmor returns the binary packets of data. Armored input may hold
// several concatenated blocks; binary input is returned unchanged.
func Dearmor(data []byte) ([]byte, error) {
	if !bytes.Contains(data, []byte(armorPrefix)) {
		return data, nil
	}
	var out bytes.Buffer
	r := bytes.NewReader(data)
	for {
		block, err := armor.Decode(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			if out.Len() > 0 {
				// Trailing garbage after at least one good block.
				break
			}
			return nil, fmt.Errorf("failed to decode armor: %w", err)
		}
		if _, err := io.Copy(&out, block.Body); err != nil {
			return nil, fmt.Errorf("failed to read armored %s: %w", block.Type, err)
		}
	}
	return out.Bytes(), nil
}

// Parse extracts the record fields of one keyblock. now decides whether
// the key and its user ids have expired.
func Parse(block []byte, now time.Time) (keysearch.KeyRecord, error) {
	var rec keysearch.KeyRecord
	r := packet.NewReader(bytes.NewReader(block))

	var primary *packet.PublicKey
	const (
		onKey = iota
		onUID
		onUAT
		onSubkey
	)
	state := onKey
	var selfSigTime time.Time

	for {
		p, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return keysearch.KeyRecord{}, fmt.Errorf("failed to read packet: %w", err)
		}

		if primary == nil {
			switch pk := p.(type) {
			case *packet.PublicKey:
				primary = pk
			case *packet.PrivateKey:
				primary = &pk.PublicKey
			default:
				return keysearch.KeyRecord{}, ErrNotKeyblock
			}
			if primary.IsSubkey {
				return keysearch.KeyRecord{}, ErrNotKeyblock
			}
			rec.Fingerprint = strings.ToUpper(hex.EncodeToString(primary.Fingerprint))
			rec.KeyID = keysearch.KeyIDFromFingerprint(rec.Fingerprint)
			rec.Algorithm = int(primary.PubKeyAlgo)
			if bits, err := primary.BitLength(); err == nil {
				rec.KeyLength = int(bits)
			}
			rec.Created = primary.CreationTime.Unix()
			continue
		}

		switch pkt := p.(type) {
		case *packet.PublicKey, *packet.PrivateKey:
			// Only subkeys can follow the primary inside one block.
			state = onSubkey
		case *packet.UserId:
			state = onUID
			rec.UserIDs = append(rec.UserIDs, keysearch.UserID{Text: pkt.Id})
		case *packet.UserAttribute:
			state = onUAT
			rec.Attributes = append(rec.Attributes, keysearch.UserAttribute{ID: attributeID(pkt)})
		case *packet.Signature:
			if !issuedBy(pkt, primary) {
				continue
			}
			switch state {
			case onKey:
				switch pkt.SigType {
				case packet.SigTypeKeyRevocation:
					rec.Revoked = true
				case packet.SigTypeDirectSignature:
					applyLifetime(&rec, pkt, &selfSigTime)
				}
			case onUID:
				uid := &rec.UserIDs[len(rec.UserIDs)-1]
				switch {
				case pkt.SigType == packet.SigTypeCertificationRevocation:
					uid.Revoked = true
				case isCertification(pkt.SigType):
					if created := pkt.CreationTime.Unix(); created > uid.Created {
						uid.Created = created
					}
					applyLifetime(&rec, pkt, &selfSigTime)
					if pkt.SigLifetimeSecs != nil && *pkt.SigLifetimeSecs > 0 {
						uid.Expired = pkt.CreationTime.Add(time.Duration(*pkt.SigLifetimeSecs) * time.Second).Before(now)
					}
				}
			case onUAT:
				uat := &rec.Attributes[len(rec.Attributes)-1]
				switch {
				case pkt.SigType == packet.SigTypeCertificationRevocation:
					uat.Revoked = true
				case isCertification(pkt.SigType):
					if created := pkt.CreationTime.Unix(); created > uat.Created {
						uat.Created = created
					}
				}
			}
		}
	}

	if primary == nil {
		return keysearch.KeyRecord{}, ErrNotKeyblock
	}
	if rec.Expires != 0 && rec.Expires < now.Unix() {
		rec.Expired = true
		for i := range rec.UserIDs {
			rec.UserIDs[i].Expired = true
		}
	}
	return rec, nil
}

// applyLifetime takes the key expiration from the newest self-signature.
func applyLifetime(rec *keysearch.KeyRecord, sig *packet.Signature, newest *time.Time) {
	if sig.CreationTime.Before(*newest) {
		return
	}
	*newest = sig.CreationTime
	if sig.KeyLifetimeSecs != nil && *sig.KeyLifetimeSecs > 0 {
		rec.Expires = rec.Created + int64(*sig.KeyLifetimeSecs)
	} else {
		rec.Expires = 0
	}
}

func isCertification(t packet.SignatureType) bool {
	return t >= packet.SigTypeGenericCert && t <= packet.SigTypePositiveCert
}

// issuedBy reports whether sig was made by the primary key. Signatures
// without issuer information are treated as self-signatures.
func issuedBy(sig *packet.Signature, pk *packet.PublicKey) bool {
	if len(sig.IssuerFingerprint) > 0 {
		return bytes.Equal(sig.IssuerFingerprint, pk.Fingerprint)
	}
	if sig.IssuerKeyId != nil {
		return *sig.IssuerKeyId == pk.KeyId
	}
	return true
}

func attributeID(uat *packet.UserAttribute) string {
	total := 0
	for _, sp := range uat.Contents {
		total += len(sp.EncodedLength) + 1 + len(sp.Contents)
	}
	return fmt.Sprintf("%d %d", len(uat.Contents), total)
}

// Index turns an upload or dump into mirror entries, one per keyblock.
func Index(data []byte, now time.Time) (entries []keysearch.Keyblock, skipped int, err error) {
	raw, err := Dearmor(data)
	if err != nil {
		return nil, 0, err
	}
	blocks, skipped := Split(raw)
	for _, block := range blocks {
		rec, err := Parse(block, now)
		if err != nil {
			skipped++
			continue
		}
		uids := make([]string, 0, len(rec.UserIDs))
		for _, uid := range rec.UserIDs {
			uids = append(uids, uid.Text)
		}
		entries = append(entries, keysearch.Keyblock{
			Fingerprint: rec.Fingerprint,
			KeyID:       rec.KeyID,
			UserIDs:     uids,
			Data:        bytes.Clone(block),
		})
	}
	return entries, skipped, nil
}
