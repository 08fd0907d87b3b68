package whatsapp

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/orchestrator/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)
	WithNumericCode()(opts)

	if opts.QRPath != testPath || !opts.NumericCode {
		t.Errorf("options not applied: %+v", opts)
	}
}

func TestToInbound(t *testing.T) {
	text := "hola"
	ts := time.Unix(1700000000, 0)
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.NewJID("584121234567", JIDSuffix)},
			ID:            "ABC",
			Timestamp:     ts,
		},
		Message: &waE2E.Message{Conversation: &text},
	}
	in, ok := toInbound(evt)
	if !ok {
		t.Fatal("text message should be accepted")
	}
	if in.From != "+584121234567" || in.Text != "hola" || in.MessageID != "ABC" || !in.Timestamp.Equal(ts) {
		t.Errorf("inbound = %+v", in)
	}

	evt.Info.IsFromMe = true
	if _, ok := toInbound(evt); ok {
		t.Error("own messages must be ignored")
	}

	empty := &events.Message{Message: &waE2E.Message{}}
	if _, ok := toInbound(empty); ok {
		t.Error("non-text messages must be ignored")
	}
}

func TestToInboundLinkedIDSender(t *testing.T) {
	text := "hola"
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Sender: types.JID{User: "128391724839201", Device: 12, Server: types.HiddenUserServer}},
			ID:            "LID1",
		},
		Message: &waE2E.Message{Conversation: &text},
	}
	in, ok := toInbound(evt)
	if !ok {
		t.Fatal("text message should be accepted")
	}
	if in.From != "128391724839201@lid" {
		t.Errorf("From = %q, want bare linked-id JID", in.From)
	}
}

func TestRecipientJID(t *testing.T) {
	jid, err := recipientJID("+584121234567")
	if err != nil || jid != types.NewJID("584121234567", JIDSuffix) {
		t.Errorf("phone recipient = %v, %v", jid, err)
	}
	jid, err = recipientJID("128391724839201@lid")
	if err != nil || jid.Server != types.HiddenUserServer || jid.User != "128391724839201" {
		t.Errorf("linked-id recipient = %v, %v", jid, err)
	}
}

func TestMockClient(t *testing.T) {
	m := NewMockClient()
	var got []Inbound
	m.OnMessage(func(in Inbound) { got = append(got, in) })
	m.Deliver(Inbound{From: "+1", Text: "hi"})
	if len(got) != 1 || got[0].Text != "hi" {
		t.Errorf("handler saw %+v", got)
	}

	id, err := m.SendMessage(context.Background(), "+1", "hello")
	if err != nil || id == "" {
		t.Fatalf("SendMessage = %q, %v", id, err)
	}
	m.Disconnect()
	if m.Status() != StatusDisconnected {
		t.Errorf("status = %q", m.Status())
	}
}
