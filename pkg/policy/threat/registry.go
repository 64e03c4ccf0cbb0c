package threat

import "github.com/veilgate/veilgate/pkg/domain"

// builtinPatterns is the default detection catalogue. Severity weights feed
// the score thresholds in threat.go: 7+ lands at HIGH on its own, 4-6.9 at
// MEDIUM, 1-3.9 at LOW.
//
// Kept as declarative data so new patterns are additive configuration
// rather than code changes; operator-supplied patterns with the same ID
// override these definitions.
var builtinPatterns = []domain.ThreatPattern{
	{
		ID:       "instruction-override.ignore-previous",
		Category: "instruction-override",
		Regex:    `(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier|your)\s+(instructions?|prompts?|directives?|rules?|training)`,
		Severity: 7.5,
	},
	{
		ID:       "instruction-override.new-instructions",
		Category: "instruction-override",
		Regex:    `(?i)\byour\s+(new|real|true)\s+(instructions?|task|purpose)\s+(is|are)\b`,
		Severity: 7.0,
	},
	{
		ID:       "role-manipulation.persona-switch",
		Category: "role-manipulation",
		Regex:    `(?i)\b(you\s+are\s+now|pretend\s+(to\s+be|you\s+are)|act\s+as\s+if\s+you\s+(are|were|have))\b`,
		Severity: 5.0,
	},
	{
		ID:       "role-manipulation.jailbreak-mode",
		Category: "role-manipulation",
		Regex:    `(?i)\b(jailbreak|developer\s+mode|dan\s+mode|do\s+anything\s+now)\b`,
		Severity: 7.0,
	},
	{
		ID:       "system-prompt-leak.reveal",
		Category: "system-prompt-leak",
		Regex:    `(?i)\b(reveal|show|print|repeat|output|display|tell\s+me)\b.{0,60}\b(system\s+prompt|initial\s+instructions?|hidden\s+(instructions?|rules)|original\s+prompt)`,
		Severity: 7.5,
	},
	{
		ID:       "delimiter-injection.chat-markup",
		Category: "delimiter-injection",
		Regex:    `<\|im_(start|end)\|>|\[/?(INST|SYS)\]|<\|(system|endoftext)\|>`,
		Severity: 6.0,
	},
	{
		ID:       "interpreter-injection.code",
		Category: "interpreter-injection",
		Regex:    `(?i)(;\s*drop\s+table|union\s+select|os\.system\s*\(|subprocess\.(run|popen)|\beval\s*\(|\bexec\s*\()`,
		Severity: 6.0,
	},
	{
		ID:       "encoding-obfuscation.base64-blob",
		Category: "encoding-obfuscation",
		Regex:    `[A-Za-z0-9+/]{120,}={0,2}`,
		Severity: 4.0,
	},
	{
		ID:       "encoding-obfuscation.decode-request",
		Category: "encoding-obfuscation",
		Regex:    `(?i)\bdecode\s+(this|the\s+following)\b.{0,30}\b(base64|hex|rot13)\b`,
		Severity: 4.5,
	},
	{
		ID:       "privilege-escalation.bypass",
		Category: "privilege-escalation",
		Regex:    `(?i)\b(bypass|disable|turn\s+off|remove)\b.{0,40}\b(safety|security|restrictions?|filters?|guardrails?)\b`,
		Severity: 7.5,
	},
	{
		ID:       "privilege-escalation.admin",
		Category: "privilege-escalation",
		Regex:    `(?i)\b(grant|give)\s+me\b.{0,30}\b(root|admin(istrator)?|sudo|elevated)\b`,
		Severity: 6.0,
	},
	{
		ID:       "exfiltration.secrets",
		Category: "exfiltration",
		Regex:    `(?i)\b(send|post|upload|forward|email|exfiltrate)\b.{0,60}\b(api[_\s-]?keys?|passwords?|credentials?|secrets?|tokens?)\b`,
		Severity: 6.5,
	},
	{
		ID:       "repetition-loop.explicit",
		Category: "repetition-loop",
		Regex:    `(?i)\brepeat\b.{0,40}\b(\d{4,}|million|billion|forever|indefinitely|endlessly)\b`,
		Severity: 5.0,
	},
	{
		ID:       "resource-exhaustion.bulk-output",
		Category: "resource-exhaustion",
		Regex:    `(?i)\b(write|generate|produce|list)\b.{0,40}\b(\d{5,}|million|billion)\b.{0,25}\b(words?|tokens?|characters?|lines?|items?)\b`,
		Severity: 4.5,
	},
}
