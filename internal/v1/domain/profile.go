package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// Animation is the display-name animation style on a profile card.
type Animation string

const (
	AnimationNone    Animation = "none"
	AnimationRainbow Animation = "rainbow"
	AnimationGradient Animation = "gradient"
	AnimationPulse   Animation = "pulse"
	AnimationGlow    Animation = "glow"
)

func (a Animation) Valid() bool {
	switch a {
	case AnimationNone, AnimationRainbow, AnimationGradient, AnimationPulse, AnimationGlow, "":
		return true
	}
	return false
}

func (a Animation) IsDynamic() bool {
	return a != AnimationNone && a != ""
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{3,20}$`)
	hexColorPattern = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

const (
	MaxUsernameLen       = 20
	MaxDisplayNameProfile = 32
	MaxPronounsLen       = 20
	MaxBioLen            = 1000
	MaxBadges            = 10
	MaxStyleBlobBytes     = 10 * 1024
	MaxSerializedProfile  = 30 * 1024
	ProfileKVSizeBudget   = 50 * 1024
	SchemaVersion         = 1
)

// ValidUsername reports whether s satisfies the username shape invariant.
func ValidUsername(s string) bool {
	return usernamePattern.MatchString(s)
}

// ValidDisplayColor reports whether s is a "#RRGGBB" color string.
func ValidDisplayColor(s string) bool {
	return s == "" || hexColorPattern.MatchString(s)
}

// Badge is a structured achievement/role marker on a profile.
type Badge struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	IconRef  string `json:"iconRef,omitempty"`
}

// UserProfile is the durable profile record (spec.md §3 "UserProfile").
type UserProfile struct {
	ID                   string
	Username             string
	DisplayName          string
	AvatarRef            string
	BannerRef            string
	Pronouns             string
	Bio                  string
	DisplayNameColor     string
	DisplayNameAnimation Animation
	RainbowSpeed         int
	Badges               []Badge
	ProfileCardStyle     string // opaque blob, e.g. JSON describing layout/theme
	Customization        string // opaque bounded blob
	BlockedUserIDs       []string
	LastSeen             time.Time
	Online               bool
	CreatedAt            time.Time
	UpdatedAt            time.Time

	SchemaVersion int
}

// Shape rewrites p in place to satisfy the size invariant in spec.md §3: a
// serialized record over MaxSerializedProfile is demoted to a lightweight
// form (base64-inlined media stripped, bio and style blob truncated).
// Returns true if any shaping occurred.
func (p *UserProfile) Shape() bool {
	shaped := false
	if len(p.Bio) > MaxBioLen {
		p.Bio = p.Bio[:MaxBioLen]
		shaped = true
	}
	if len(p.ProfileCardStyle) > MaxStyleBlobBytes {
		p.ProfileCardStyle = p.ProfileCardStyle[:MaxStyleBlobBytes]
		shaped = true
	}
	if len(p.Badges) > MaxBadges {
		p.Badges = p.Badges[:MaxBadges]
		shaped = true
	}
	if p.SerializedSize() > MaxSerializedProfile {
		p.AvatarRef = stripInlineMedia(p.AvatarRef)
		p.BannerRef = stripInlineMedia(p.BannerRef)
		if len(p.Bio) > 200 {
			p.Bio = p.Bio[:200]
		}
		if len(p.ProfileCardStyle) > 1024 {
			p.ProfileCardStyle = p.ProfileCardStyle[:1024]
		}
		shaped = true
	}
	return shaped
}

// stripInlineMedia drops a base64 data: URI down to an empty ref; external
// CDN references (out of scope per spec.md §1) pass through untouched.
func stripInlineMedia(ref string) string {
	if strings.HasPrefix(ref, "data:") {
		return ""
	}
	return ref
}

// SerializedSize returns the JSON-encoded size of p, used against the
// shaping and KV-fit budgets.
func (p *UserProfile) SerializedSize() int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// FitsInKV reports whether the shaped record is small enough to be written
// to the remote cache tier (spec.md §4.4 write path, step "apply the
// size-shaping rule").
func (p *UserProfile) FitsInKV() bool {
	return p.SerializedSize() <= ProfileKVSizeBudget
}

// IsFrequentlyUpdated implements the "frequently updated" predicate of
// spec.md §4.4's TTL policy.
func (p *UserProfile) IsFrequentlyUpdated(now time.Time) bool {
	if !p.Online {
		return false
	}
	if p.DisplayNameAnimation.IsDynamic() {
		return true
	}
	return now.Sub(p.UpdatedAt) <= 24*time.Hour
}

// CompletenessScore implements the checklist from spec.md §4.7's P factor:
// display name, avatar, pronouns, badges non-empty, authenticated, with
// weights 0.2, 0.2, 0.1, 0.2, 0.3.
func (p *UserProfile) CompletenessScore(authenticated bool) float64 {
	var score float64
	if p.DisplayName != "" {
		score += 0.2
	}
	if p.AvatarRef != "" {
		score += 0.2
	}
	if p.Pronouns != "" {
		score += 0.1
	}
	if len(p.Badges) > 0 {
		score += 0.2
	}
	if authenticated {
		score += 0.3
	}
	return score
}
