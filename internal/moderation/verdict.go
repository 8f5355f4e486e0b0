// Package moderation maps remote content classifications to verdicts.
package moderation

import "strings"

const (
	flaggedPrefix = "What you just said is "
	flaggedSuffix = ". Jesus is not happy with you"

	// CleanSummary is the fixed sentence for a verdict with no flags set.
	CleanSummary = "Jesus is happy with you"
)

// Categories holds the named category flags returned by the moderator.
type Categories struct {
	Hate            bool `json:"hate"`
	HateThreatening bool `json:"hate/threatening"`
	SelfHarm        bool `json:"self-harm"`
	Sexual          bool `json:"sexual"`
	SexualMinors    bool `json:"sexual/minors"`
	Violence        bool `json:"violence"`
	ViolenceGraphic bool `json:"violence/graphic"`
}

// Verdict is the moderation judgement for a single message.
type Verdict struct {
	Categories Categories
}

// Flagged reports whether any category flag is set.
func (v Verdict) Flagged() bool {
	c := v.Categories
	return c.Hate ||
		c.HateThreatening ||
		c.SelfHarm ||
		c.Sexual ||
		c.SexualMinors ||
		c.Violence ||
		c.ViolenceGraphic
}

// Labels returns the human-readable label of every set flag in a stable
// order. Both violence flags share one label.
func (v Verdict) Labels() []string {
	c := v.Categories
	var labels []string
	if c.Hate {
		labels = append(labels, "hateful")
	}
	if c.HateThreatening {
		labels = append(labels, "threatening")
	}
	if c.SelfHarm {
		labels = append(labels, "suicidal")
	}
	if c.Sexual {
		labels = append(labels, "sexual")
	}
	if c.SexualMinors {
		labels = append(labels, "involving minors")
	}
	if c.Violence || c.ViolenceGraphic {
		labels = append(labels, "violent")
	}
	return labels
}

// Summary renders the verdict as a single sentence.
func (v Verdict) Summary() string {
	labels := v.Labels()
	if len(labels) == 0 {
		return CleanSummary
	}
	return flaggedPrefix + strings.Join(labels, ", ") + flaggedSuffix
}

// String implements fmt.Stringer.
func (v Verdict) String() string {
	return v.Summary()
}
