package secrets

import "regexp"

// Severity ranks how damaging a leaked credential would be. High and
// critical findings block the request.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"none", "low", "medium", "high", "critical"}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "unknown"
}

// SecretPattern is one known credential shape.
type SecretPattern struct {
	Name     string
	Regex    *regexp.Regexp
	Severity Severity
}

// defaultPatterns is the catalog of provider key formats, connection strings
// and credential assignments the scanner knows.
var defaultPatterns = []SecretPattern{
	{Name: "anthropic_api_key", Regex: regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`), Severity: SeverityCritical},
	{Name: "openai_api_key", Regex: regexp.MustCompile(`sk-[A-Za-z0-9]{10,48}`), Severity: SeverityCritical},
	{Name: "aws_access_key_id", Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Severity: SeverityCritical},
	{Name: "aws_secret_access_key", Regex: regexp.MustCompile(`(?i)aws[\w\s:="']{0,20}[A-Za-z0-9/+=]{40}\b`), Severity: SeverityCritical},
	{Name: "github_token", Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`), Severity: SeverityCritical},
	{Name: "gitlab_token", Regex: regexp.MustCompile(`glpat-[A-Za-z0-9_\-]{20}`), Severity: SeverityCritical},
	{Name: "slack_token", Regex: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`), Severity: SeverityHigh},
	{Name: "stripe_live_key", Regex: regexp.MustCompile(`sk_live_[A-Za-z0-9]{24,}`), Severity: SeverityCritical},
	{Name: "telegram_bot_token", Regex: regexp.MustCompile(`\d{8,10}:AA[A-Za-z0-9_\-]{33}`), Severity: SeverityHigh},
	{Name: "gcp_api_key", Regex: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{35}`), Severity: SeverityCritical},
	{Name: "google_oauth_token", Regex: regexp.MustCompile(`ya29\.[A-Za-z0-9_\-]{20,}`), Severity: SeverityHigh},
	{Name: "jwt", Regex: regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}`), Severity: SeverityHigh},
	{Name: "postgres_url", Regex: regexp.MustCompile(`postgres(?:ql)?://[^\s:/'"]+:[^\s@'"]+@[^\s'"]+`), Severity: SeverityCritical},
	{Name: "mysql_url", Regex: regexp.MustCompile(`mysql://[^\s:/'"]+:[^\s@'"]+@[^\s'"]+`), Severity: SeverityCritical},
	{Name: "mongodb_url", Regex: regexp.MustCompile(`mongodb(?:\+srv)?://[^\s:/'"]+:[^\s@'"]+@[^\s'"]+`), Severity: SeverityCritical},
	{Name: "redis_url", Regex: regexp.MustCompile(`redis://[^\s'"]*:[^\s@'"]+@[^\s'"]+`), Severity: SeverityHigh},
	{Name: "private_key_pem", Regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`), Severity: SeverityCritical},
	{Name: "client_secret", Regex: regexp.MustCompile(`(?i)client[_\-]?secret['"\s:=]+[A-Za-z0-9_.~+/\-]{8,}`), Severity: SeverityHigh},
	{Name: "generic_api_key", Regex: regexp.MustCompile(`(?i)(?:api[_\-]?key|apikey|access[_\-]?token|auth[_\-]?token)['"\s:=]+[A-Za-z0-9_.\-]{20,}`), Severity: SeverityMedium},
	{Name: "password_assignment", Regex: regexp.MustCompile(`(?i)password\s*[:=]\s*['"]?[^\s'"]{6,}`), Severity: SeverityHigh},
	{Name: "twilio_account_sid", Regex: regexp.MustCompile(`AC[0-9a-fA-F]{32}`), Severity: SeverityHigh},
	{Name: "sendgrid_api_key", Regex: regexp.MustCompile(`SG\.[A-Za-z0-9_\-]{16,}\.[A-Za-z0-9_\-]{16,}`), Severity: SeverityHigh},
	{Name: "mailgun_api_key", Regex: regexp.MustCompile(`key-[0-9a-f]{32}`), Severity: SeverityHigh},
}
