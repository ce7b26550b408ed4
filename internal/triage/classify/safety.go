package classify

import (
	"regexp"
	"strings"
	"unicode"
)

// SignalKind names a class of safety signal.
type SignalKind string

const (
	SignalThreat      SignalKind = "threat"
	SignalLegal       SignalKind = "legal"
	SignalChargeback  SignalKind = "chargeback"
	SignalSelfHarm    SignalKind = "self_harm"
	SignalViolence    SignalKind = "violence"
	SignalHumanDemand SignalKind = "human_demand"
	SignalFrustration SignalKind = "frustration"

	// SignalRepeatedDamage is raised by ScanTranscript, never by Scan: it
	// needs the whole customer side of the conversation.
	SignalRepeatedDamage SignalKind = "repeated_damage"
)

// Signal is one safety finding. Any signal forces escalation; no reply is
// ever auto-sent over one.
type Signal struct {
	Kind  SignalKind
	Match string
}

// redLinePatterns are hard stops, matched case-insensitively against the raw
// message. They are intentionally broad; a false positive costs one human
// review, a false negative costs much more.
var redLinePatterns = map[SignalKind]*regexp.Regexp{
	SignalThreat:      regexp.MustCompile(`(?i)\b(kill|murder)\b|death threat`),
	SignalLegal:       regexp.MustCompile(`(?i)\b(sue|suing|lawsuit|lawyer|attorney)\b|legal action|see you in court`),
	SignalChargeback:  regexp.MustCompile(`(?i)chargeback|dispute (the|this) charge|dispute with my bank|bank dispute`),
	SignalSelfHarm:    regexp.MustCompile(`(?i)suicide|self[- ]harm|hurt myself|end my life`),
	SignalViolence:    regexp.MustCompile(`(?i)\b(bomb|weapon|shoot)\b|come (down|over) there`),
	SignalHumanDemand: regexp.MustCompile(`(?i)(speak|talk) to a (human|person|real person|manager)|human agent|real person|not a bot`),
}

// Scan screens a message for safety signals. It returns every signal found,
// in a stable order, or nil when the message is clean.
func Scan(message string) []Signal {
	var signals []Signal

	for _, kind := range []SignalKind{
		SignalThreat, SignalLegal, SignalChargeback,
		SignalSelfHarm, SignalViolence, SignalHumanDemand,
	} {
		if m := redLinePatterns[kind].FindString(message); m != "" {
			signals = append(signals, Signal{Kind: kind, Match: m})
		}
	}

	if frustrated(message) {
		signals = append(signals, Signal{Kind: SignalFrustration, Match: "tone"})
	}

	return signals
}

// damagePattern matches claims that a shipment arrived in bad shape.
var damagePattern = regexp.MustCompile(`(?i)\b(damaged|broken|leak(s|ed|ing)?|crushed|shattered|defective)\b`)

// ScanTranscript screens for signals that only show across messages. A
// customer reporting damage in two or more separate messages is a recurring
// quality problem rather than a one-off claim, and goes to a human.
func ScanTranscript(bodies []string) []Signal {
	hits := 0
	first := ""
	for _, body := range bodies {
		m := damagePattern.FindString(body)
		if m == "" {
			continue
		}
		hits++
		if first == "" {
			first = m
		}
	}
	if hits >= 2 {
		return []Signal{{Kind: SignalRepeatedDamage, Match: first}}
	}
	return nil
}

// unsafeReplyPatterns catch drafted replies that confirm account actions the
// engine cannot guarantee took effect. Matched case-insensitively, like the
// red lines above.
var unsafeReplyPatterns = []struct {
	violation string
	pattern   *regexp.Regexp
}{
	{"confirmed_cancellation", regexp.MustCompile(`(?i)(cancelled|canceled) your subscription|subscription (has been|is now) (cancelled|canceled)`)},
	{"confirmed_pause", regexp.MustCompile(`(?i)(paused|suspended) your subscription|subscription (has been|is now) (paused|suspended)`)},
	{"confirmed_refund", regexp.MustCompile(`(?i)(processed|issued|approved) (a |your )?(refund|reimbursement)|refund (has been|is now|was) (processed|issued|approved)`)},
}

// UnsafeReply screens an outbound reply body for commitments no reply may
// make unattended: confirmed cancellations, pauses, and refunds. It returns
// the violation name when one matches.
func UnsafeReply(body string) (string, bool) {
	for _, p := range unsafeReplyPatterns {
		if p.pattern.MatchString(body) {
			return p.violation, true
		}
	}
	return "", false
}

// frustrated applies cheap tone heuristics: a run of exclamation marks, or a
// message that is mostly shouted.
func frustrated(message string) bool {
	if strings.Contains(message, "!!!") {
		return true
	}

	letters, uppers := 0, 0
	for _, r := range message {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	// Short messages ("OK", "ASAP") are exempt from the caps check.
	return letters >= 12 && float64(uppers)/float64(letters) > 0.7
}
