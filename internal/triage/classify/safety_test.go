package classify

import "testing"

func hasSignal(signals []Signal, kind SignalKind) bool {
	for _, s := range signals {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

func TestScan_RedLines(t *testing.T) {
	cases := []struct {
		message string
		want    SignalKind
	}{
		{"If this isn't fixed I will sue you.", SignalLegal},
		{"My lawyer will be in touch about legal action.", SignalLegal},
		{"I'm going to dispute the charge with my bank.", SignalChargeback},
		{"Fix this or I'll file a chargeback.", SignalChargeback},
		{"I feel like I want to hurt myself.", SignalSelfHarm},
		{"I will kill you if the box is late again.", SignalThreat},
		{"Let me talk to a human, not a bot.", SignalHumanDemand},
		{"I want to speak to a manager right now.", SignalHumanDemand},
	}

	for _, tc := range cases {
		signals := Scan(tc.message)
		if !hasSignal(signals, tc.want) {
			t.Errorf("Scan(%q) missing signal %q (got %v)", tc.message, tc.want, signals)
		}
	}
}

func TestScan_Frustration(t *testing.T) {
	if !hasSignal(Scan("WHERE IS MY ORDER THIS IS RIDICULOUS"), SignalFrustration) {
		t.Error("shouted message should trigger frustration")
	}
	if !hasSignal(Scan("Fix it now!!!"), SignalFrustration) {
		t.Error("exclamation run should trigger frustration")
	}
	// Short acronyms must not trip the caps heuristic.
	if hasSignal(Scan("OK thanks, ASAP please"), SignalFrustration) {
		t.Error("short caps should not trigger frustration")
	}
}

func TestScan_CleanMessage(t *testing.T) {
	if signals := Scan("Could you tell me when my next box ships?"); signals != nil {
		t.Errorf("clean message produced signals: %v", signals)
	}
}

func TestScan_MultipleSignals(t *testing.T) {
	signals := Scan("I'LL SUE YOU AND DISPUTE THE CHARGE WITH MY BANK!!!")
	if !hasSignal(signals, SignalLegal) || !hasSignal(signals, SignalChargeback) || !hasSignal(signals, SignalFrustration) {
		t.Errorf("expected legal, chargeback and frustration, got %v", signals)
	}
}

func TestScanTranscript_RepeatedDamage(t *testing.T) {
	repeated := []string{
		"My last box arrived damaged.",
		"This one is broken too, second month in a row.",
	}
	if !hasSignal(ScanTranscript(repeated), SignalRepeatedDamage) {
		t.Error("damage in two messages should raise repeated_damage")
	}

	// Several damage words inside one message are still one report.
	single := []string{
		"My box arrived damaged and the jars were shattered.",
		"Any update on the replacement?",
	}
	if signals := ScanTranscript(single); signals != nil {
		t.Errorf("one damage report produced signals: %v", signals)
	}

	if signals := ScanTranscript([]string{"Where is my order?"}); signals != nil {
		t.Errorf("clean transcript produced signals: %v", signals)
	}
}

func TestUnsafeReply(t *testing.T) {
	cases := []struct {
		body      string
		violation string
	}{
		{"We have cancelled your subscription as requested.", "confirmed_cancellation"},
		{"Your subscription has been canceled.", "confirmed_cancellation"},
		{"I have paused your subscription for a month.", "confirmed_pause"},
		{"Your subscription is now suspended.", "confirmed_pause"},
		{"We processed a refund for the damaged box.", "confirmed_refund"},
		{"Your refund has been issued.", "confirmed_refund"},
	}
	for _, tc := range cases {
		got, unsafe := UnsafeReply(tc.body)
		if !unsafe || got != tc.violation {
			t.Errorf("UnsafeReply(%q) = %q, %v; want %q", tc.body, got, unsafe, tc.violation)
		}
	}

	safe := []string{
		"I have asked our team to look into pausing your subscription.",
		"A refund request has been filed for review.",
		"Your package is in transit and should arrive Friday.",
	}
	for _, body := range safe {
		if v, unsafe := UnsafeReply(body); unsafe {
			t.Errorf("UnsafeReply(%q) flagged %q on a reply that makes no commitment", body, v)
		}
	}
}
