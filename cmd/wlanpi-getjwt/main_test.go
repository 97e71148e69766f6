package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignMatchesManualHMAC(t *testing.T) {
	secret := []byte("shhh")
	sig1 := sign(secret, "/auth/token", `{"device_id":"d1"}`)
	sig2 := sign(secret, "/auth/token", `{"device_id":"d1"}`)
	require.Equal(t, sig1, sig2)
	require.Len(t, sig1, 64)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("POST\n/auth/token\n\n" + `{"device_id":"d1"}`))
	require.Equal(t, hex.EncodeToString(mac.Sum(nil)), sig1)

	sigOther := sign(secret, "/auth/token", `{"device_id":"d2"}`)
	require.NotEqual(t, sig1, sigOther)
}

func TestRunRequiresExactlyOneArg(t *testing.T) {
	var out, errOut testWriter
	code := run([]string{}, &out, &errOut)
	require.Equal(t, 1, code)

	code = run([]string{"a", "b"}, &out, &errOut)
	require.Equal(t, 1, code)
}

type testWriter struct {
	data []byte
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}
