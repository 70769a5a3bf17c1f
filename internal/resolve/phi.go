package resolve

import (
	"regexp"
	"strings"
)

var (
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	ssnPattern   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	datePattern  = regexp.MustCompile(`\b(?:\d{1,2}/\d{1,2}/\d{2,4}|\d{4}-\d{2}-\d{2})\b`)
	medicalTerms = regexp.MustCompile(`(?i)\b(?:diagnos\w*|prescri\w*|medication|hiv|diabetes|depression|schizophreni\w*|bipolar|overdose|pregnan\w*|substance use|opioid|psychiatric|chemotherapy|dialysis)\b`)
)

// identifyingFields are referral fields that identify a person by themselves.
var identifyingFields = []string{"client_name", "name", "dob", "date_of_birth", "phone", "email", "address", "ssn", "medical_record_number"}

// DetectPHI inspects a referral for protected health information. Record
// keeping referrals never carry PHI.
func DetectPHI(ref Referral) bool {
	if ref.Type == ReferralRecordKeeping {
		return false
	}
	if ref.ClientID != "" {
		return true
	}
	for _, f := range identifyingFields {
		if strings.TrimSpace(ref.Fields[f]) != "" {
			return true
		}
	}
	texts := []string{ref.Summary}
	for _, v := range ref.Fields {
		texts = append(texts, v)
	}
	for _, t := range texts {
		if t == "" {
			continue
		}
		if phonePattern.MatchString(t) || emailPattern.MatchString(t) || ssnPattern.MatchString(t) ||
			datePattern.MatchString(t) || medicalTerms.MatchString(t) {
			return true
		}
	}
	return false
}
