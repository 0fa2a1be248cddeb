package handshake

import "testing"

func TestHandshakeDerivesMatchingFrameKey(t *testing.T) {
	id, err := NewServerIdentity()
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}
	ch, err := NewClientHandshake(id.Public)
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	reply, serverKey, err := id.Respond(ch.Hello())
	if err != nil {
		t.Fatalf("server respond: %v", err)
	}
	clientKey, err := ch.Finish(reply)
	if err != nil {
		t.Fatalf("client finish: %v", err)
	}

	if len(clientKey) != frameKeyLen || len(serverKey) != frameKeyLen {
		t.Fatalf("unexpected key lengths: client=%d server=%d", len(clientKey), len(serverKey))
	}
	for i := range clientKey {
		if clientKey[i] != serverKey[i] {
			t.Fatal("client and server frame keys must match")
		}
	}
}

func TestHandshakesAreFresh(t *testing.T) {
	id, err := NewServerIdentity()
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}

	run := func() []byte {
		ch, err := NewClientHandshake(id.Public)
		if err != nil {
			t.Fatalf("client handshake: %v", err)
		}
		_, key, err := id.Respond(ch.Hello())
		if err != nil {
			t.Fatalf("respond: %v", err)
		}
		return key
	}

	k1 := run()
	k2 := run()
	same := true
	for i := range k1 {
		if k1[i] != k2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("two independent handshakes must not derive the same frame key")
	}
}

func TestEvaluationKeyBundleRoundTrip(t *testing.T) {
	payload := []byte("pretend-serialized-evaluation-key")
	bundle := WrapEvaluationKeyBundle(payload)
	got, err := UnwrapEvaluationKeyBundle(bundle)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestEvaluationKeyBundleRejectsTruncated(t *testing.T) {
	bundle := WrapEvaluationKeyBundle([]byte("data"))
	if _, err := UnwrapEvaluationKeyBundle(bundle[:len(bundle)-2]); err == nil {
		t.Fatal("expected error for truncated bundle")
	}
}
