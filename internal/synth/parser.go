package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Intent is the structured reading of a prompt: generation targets for the
// frontend scaffold plus any backend-affecting changes that will require
// human approval.
type Intent struct {
	Prompt         string
	Summary        string
	Targets        []Target
	BackendChanges []Change
}

// Target is one file the generator should produce for a task.
type Target struct {
	Name string
	Path string
}

// Change is a backend-affecting edit: a payload to be appended to a real
// artifact once approved.
type Change struct {
	TargetFile string
	Payload    string
}

var ErrEmptyPrompt = errors.New("prompt is empty")

// Parser extracts structured intent from a natural-language prompt.
type Parser interface {
	ParsePrompt(ctx context.Context, prompt string) (Intent, error)
}

// keywordRule maps a prompt keyword to the files it implies.
type keywordRule struct {
	keyword string
	targets []Target
	changes []Change
}

var rules = []keywordRule{
	{
		keyword: "crm",
		targets: []Target{
			{Name: "crm-dashboard", Path: "modules/crm/dashboard.js"},
			{Name: "crm-contacts", Path: "modules/crm/contacts.js"},
		},
	},
	{
		keyword: "erp",
		targets: []Target{
			{Name: "erp-inventory", Path: "modules/erp/inventory.js"},
			{Name: "erp-orders", Path: "modules/erp/orders.js"},
		},
	},
	{
		keyword: "invoice",
		targets: []Target{
			{Name: "invoicing", Path: "modules/billing/invoices.js"},
		},
	},
	{
		keyword: "report",
		targets: []Target{
			{Name: "reports", Path: "modules/reports/overview.js"},
		},
	},
	{
		keyword: "crypto wallet",
		targets: []Target{
			{Name: "wallet-ui", Path: "modules/wallet/wallet.js"},
		},
		changes: []Change{
			{
				TargetFile: "backend/crypto.js",
				Payload:    "// wallet endpoints\nmodule.exports.wallet = require('./wallet-service');\n",
			},
		},
	},
	{
		keyword: "payment",
		changes: []Change{
			{
				TargetFile: "backend/payments.js",
				Payload:    "// payment provider hook\nmodule.exports.payments = require('./payment-service');\n",
			},
		},
	},
}

// KeywordParser is the heuristic prompt parser: case-insensitive substring
// matching against a fixed rule table, with a generic fallback target so
// every non-empty prompt yields at least one file.
type KeywordParser struct{}

func NewKeywordParser() KeywordParser { return KeywordParser{} }

func (KeywordParser) ParsePrompt(_ context.Context, prompt string) (Intent, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Intent{}, ErrEmptyPrompt
	}

	intent := Intent{
		Prompt:  prompt,
		Summary: summarize(prompt),
	}
	lowered := strings.ToLower(prompt)
	for _, rule := range rules {
		if !strings.Contains(lowered, rule.keyword) {
			continue
		}
		intent.Targets = append(intent.Targets, rule.targets...)
		intent.BackendChanges = append(intent.BackendChanges, rule.changes...)
	}

	// Every prompt stages at least one file, even when only backend changes
	// matched: downstream states require a non-empty staged set.
	if len(intent.Targets) == 0 {
		slug := slugify(prompt)
		intent.Targets = append(intent.Targets, Target{
			Name: slug,
			Path: fmt.Sprintf("modules/custom/%s.js", slug),
		})
	}
	return intent, nil
}

func summarize(prompt string) string {
	if len(prompt) <= 120 {
		return prompt
	}
	cut := prompt[:120]
	// Never cut mid-rune: back up to the previous boundary.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > 70 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "..."
}

func slugify(prompt string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(prompt) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= 40 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "module"
	}
	return out
}
