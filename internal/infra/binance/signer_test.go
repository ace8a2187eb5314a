package binance

import "testing"

func TestSignerKnownVector(t *testing.T) {
	// Standard HMAC-SHA256 test vector.
	signer := NewSigner("dummy", "key")

	got := signer.Sign("The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("signature mismatch: got %s, want %s", got, want)
	}
}

func TestSignerBinanceDocsVector(t *testing.T) {
	// The worked example from Binance's signed endpoint documentation.
	signer := NewSigner("vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		"NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j")

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	got := signer.Sign(query)
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got != want {
		t.Errorf("signature mismatch: got %s, want %s", got, want)
	}
}

func TestSignerWipe(t *testing.T) {
	signer := NewSigner("access", "secret")
	signer.Wipe()

	if signer.APIKey() != "\x00\x00\x00\x00\x00\x00" {
		t.Error("api key not wiped")
	}
	for _, b := range signer.secretKey {
		if b != 0 {
			t.Fatal("secret key not wiped")
		}
	}

	// Wipe on nil must not panic.
	var nilSigner *Signer
	nilSigner.Wipe()
}
