package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// fonepayDV считает контрольное значение Fonepay: HMAC-SHA512 от "PID,AMT,PRN,BID,UID" в hex.
// Порядок полей и разделитель заданы протоколом шлюза.
func fonepayDV(secret, pid, amt, prn, bid, uid string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(strings.Join([]string{pid, amt, prn, bid, uid}, ",")))
	return hex.EncodeToString(mac.Sum(nil))
}

// cybersourceSignature считает подпись Secure Acceptance: base64 от HMAC-SHA256
// над строкой "name=value,..." в порядке signed_field_names.
func cybersourceSignature(secret string, p Payload) string {
	names := strings.Split(p["signed_field_names"], ",")
	pairs := make([]string, 0, len(names))
	for _, n := range names {
		pairs = append(pairs, n+"="+p[n])
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, ",")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
