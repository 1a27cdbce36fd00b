package trust

import "strings"

// LegacyAudienceSuffix is appended to the issuer to form the legacy audience.
const LegacyAudienceSuffix = "resources"

// AudienceInput carries everything the audience policy depends on.
type AudienceInput struct {
	ApiName          string
	Legacy           bool
	Issuer           string
	DocumentAudience string
}

// AudienceDecision is the outcome of DecideAudience. Rule names the table
// row that matched, for diagnostics.
type AudienceDecision struct {
	Audience string
	Validate bool
	Rule     string
}

type audienceRule struct {
	name     string
	applies  func(AudienceInput) bool
	audience func(AudienceInput) string
}

// audienceRules is evaluated top to bottom; the first applicable row wins.
// When no row applies, audience validation is disabled and only scope
// checks constrain the token's use.
var audienceRules = []audienceRule{
	{
		name:     "api_name",
		applies:  func(in AudienceInput) bool { return in.ApiName != "" && !in.Legacy },
		audience: func(in AudienceInput) string { return in.ApiName },
	},
	{
		name:     "legacy",
		applies:  func(in AudienceInput) bool { return in.Legacy },
		audience: func(in AudienceInput) string { return LegacyAudience(in.Issuer) },
	},
	{
		name:     "document",
		applies:  func(in AudienceInput) bool { return in.DocumentAudience != "" },
		audience: func(in AudienceInput) string { return in.DocumentAudience },
	},
}

// DecideAudience applies the audience decision table to in.
func DecideAudience(in AudienceInput) AudienceDecision {
	for _, r := range audienceRules {
		if r.applies(in) {
			return AudienceDecision{Audience: r.audience(in), Validate: true, Rule: r.name}
		}
	}
	return AudienceDecision{Rule: "none"}
}

// LegacyAudience derives the legacy audience from an issuer URL:
// "https://issuer.example" and "https://issuer.example/" both yield
// "https://issuer.example/resources".
func LegacyAudience(issuer string) string {
	return NormalizeAuthority(issuer) + LegacyAudienceSuffix
}
