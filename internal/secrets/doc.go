// Package secrets detects and redacts secrets in step output using the
// Gitleaks rule set.
//
// Command output and agent errors end up in run reports, learnings and NATS
// events. A Redactor replaces every detected secret with a
// [REDACTED:rule-id:preview] marker before that happens. Patterns listed in
// an allowlist file are left alone.
package secrets
