// Package i18n provides localized message printers for CLI output.
package i18n

import (
	"context"
	"os"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLang is the fallback language
var DefaultLang = language.English

// SupportedLangs are the languages we support
var SupportedLangs = []language.Tag{
	language.English,
	language.German,
}

var matcher = language.NewMatcher(SupportedLangs)

// Messages printed by the CLI. English messages are their own keys.
const (
	MsgNoChanges     = "No changes.\n"
	MsgSummary       = "%d change(s), %d unchanged (%.2f%%)\n"
	MsgApplied       = "Applied %d change(s).\n"
	MsgNoDifferences = "No differences.\n"
	MsgNoHistory     = "No history.\n"
	MsgValid         = "Configuration valid: %d group(s), %d rule(s)\n"
	MsgDryRun        = "Dry run: nothing was applied, re-run with --force to apply.\n"
	MsgThreshold     = "Threshold exceeded: %.2f%% of rules would change (threshold %.2f%%). " +
		"Re-run with a higher --threshold or --no-threshold.\n"
)

var german = []struct {
	key, msg string
}{
	{MsgNoChanges, "Keine Änderungen.\n"},
	{MsgSummary, "%d Änderung(en), %d unverändert (%.2f%%)\n"},
	{MsgApplied, "%d Änderung(en) angewendet.\n"},
	{MsgNoDifferences, "Keine Unterschiede.\n"},
	{MsgNoHistory, "Kein Verlauf.\n"},
	{MsgValid, "Konfiguration gültig: %d Gruppe(n), %d Regel(n)\n"},
	{MsgDryRun, "Probelauf: nichts wurde angewendet, mit --force erneut ausführen.\n"},
	{MsgThreshold, "Schwellwert überschritten: %.2f%% der Regeln würden sich ändern (Schwellwert %.2f%%). " +
		"Mit höherem --threshold oder --no-threshold erneut ausführen.\n"},
}

func init() {
	for _, m := range german {
		_ = message.SetString(language.German, m.key, m.msg)
	}
}

type contextKey struct{}

// printerKey is the key used to store the printer in the context
var printerKey = contextKey{}

// MatchLanguage returns the best matching language for an Accept-Language
// style list.
func MatchLanguage(acceptLang string) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(acceptLang)
	tag, _, _ := matcher.Match(tags...)
	return tag
}

// NewPrinter returns a message printer for the given language
func NewPrinter(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag)
}

// WithPrinter returns a new context with the printer injected
func WithPrinter(ctx context.Context, p *message.Printer) context.Context {
	return context.WithValue(ctx, printerKey, p)
}

// GetPrinter returns the printer from the context, or a default one
func GetPrinter(ctx context.Context) *message.Printer {
	p, ok := ctx.Value(printerKey).(*message.Printer)
	if !ok {
		return message.NewPrinter(DefaultLang)
	}
	return p
}

// NewCLIPrinter returns a printer for the system's locale (from env vars)
func NewCLIPrinter() *message.Printer {
	return message.NewPrinter(LocaleTag(os.Getenv))
}

// LocaleTag resolves the POSIX locale variables to a supported language.
func LocaleTag(getenv func(string) string) language.Tag {
	var lang string
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if lang = getenv(key); lang != "" {
			break
		}
	}
	// Strip encoding and modifier (e.g. de_DE.UTF-8@euro)
	if i := strings.IndexAny(lang, ".@"); i != -1 {
		lang = lang[:i]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLang
	}

	tag, err := language.Parse(strings.ReplaceAll(lang, "_", "-"))
	if err != nil {
		return MatchLanguage(lang)
	}
	// Map "de-DE" to "de" if that's what we support
	_, idx, _ := matcher.Match(tag)
	return SupportedLangs[idx]
}
