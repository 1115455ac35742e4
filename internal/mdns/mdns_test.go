package mdns

import (
	"strings"
	"testing"
)

func TestTXTRecordsContainRequiredKeys(t *testing.T) {
	ad := Advertisement{
		InstanceName: "dev-laptop",
		Port:         7890,
		Version:      "1",
		Capabilities: []Capability{CapPTY, CapReconnect, CapMultiplex},
		Auth:         "token",
		TLS:          true,
		MTLS:         false,
		Platform:     "darwin",
		SessionCount: func() int { return 3 },
	}

	recs := ad.txtRecords()
	joined := strings.Join(recs, "\n")

	for _, want := range []string{
		"version=1",
		"caps=pty,reconnect,multiplex",
		"auth=token",
		"tls=true",
		"mtls=false",
		"platform=darwin",
		"sessions=3",
		"protocol=websocket",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected TXT records to contain %q, got %v", want, recs)
		}
	}
}

func TestTXTRecordsWithoutSessionCounterDefaultsToZero(t *testing.T) {
	ad := Advertisement{Version: "1"}
	recs := ad.txtRecords()
	found := false
	for _, r := range recs {
		if r == "sessions=0" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected sessions=0 when SessionCount is nil, got %v", recs)
	}
}
