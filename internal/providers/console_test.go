package providers

import (
	"context"
	"testing"

	"github.com/lifecyclehq/go-journey-backend/internal/services"
)

// Interface guards: the console senders must satisfy the dispatcher contracts.
var (
	_ services.EmailSender = ConsoleEmailSender{}
	_ services.SmsSender   = ConsoleSmsSender{}
)

func TestConsoleEmailSender_Send(t *testing.T) {
	res, err := ConsoleEmailSender{}.Send(context.Background(), "c1@example.com", "Welcome", "<p>hi</p>")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Provider != "console-email" || res.MessageID == "" {
		t.Fatalf("result: %+v", res)
	}

	// Each send gets its own provider message id.
	res2, err := ConsoleEmailSender{}.Send(context.Background(), "c1@example.com", "Welcome", "<p>hi</p>")
	if err != nil {
		t.Fatalf("second Send: %v", err)
	}
	if res2.MessageID == res.MessageID {
		t.Fatalf("ids must differ across sends")
	}
}

func TestConsoleSmsSender_Send(t *testing.T) {
	res, err := ConsoleSmsSender{}.Send(context.Background(), "+15550100", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Provider != "console-sms" || res.MessageID == "" {
		t.Fatalf("result: %+v", res)
	}
}
