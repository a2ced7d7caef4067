package script

// Guide is a selectable persona. A guide with an empty Voice never speaks;
// its narration is delivered as text only.
type Guide struct {
	Key   string
	Label string
	Style string
	Voice string
}

var guides = []Guide{
	{
		Key:   "self",
		Label: "Self-guided",
		Style: "Silent prompts only. No voice. You lead your own pace.",
		Voice: "",
	},
	{
		Key:   "arjun",
		Label: "Sage Arjun",
		Style: "Warm, guru-like, gentle metaphors, kind encouragement, patient rhythm.",
		Voice: "verse",
	},
	{
		Key:   "mira",
		Label: "Sage Mira",
		Style: "Nurturing, soothing cadence, ocean and moonlight imagery, soft compassion.",
		Voice: "coral",
	},
	{
		Key:   "theo",
		Label: "Coach Theo",
		Style: "Concise instructor, minimal words, crisp steps, neutral tone.",
		Voice: "alloy",
	},
	{
		Key:   "ana",
		Label: "Coach Ana",
		Style: "Clear pacing, pragmatic, supportive, minimal commentary.",
		Voice: "shimmer",
	},
	{
		Key:   "zorblax",
		Label: "Zorblax",
		Style: "Playful non-human guide. Friendly, soft hums, whimsical imagery.",
		Voice: "ash",
	},
}

var defaultMantras = map[string]string{
	"stress relief":   "I am safe; I can soften.",
	"sleep":           "Rest is here.",
	"focus":           "Steady and clear.",
	"self-compassion": "May I be kind.",
	"resilience":      "I can meet this.",
}

// Guides returns the selectable personas in presentation order.
func Guides() []Guide {
	out := make([]Guide, len(guides))
	copy(out, guides)
	return out
}

// GuideByKey resolves a persona, falling back to self-guided for unknown keys.
func GuideByKey(key string) Guide {
	for _, g := range guides {
		if g.Key == key {
			return g
		}
	}
	return guides[0]
}

// DefaultMantra returns the stock mantra for an intent, or a neutral one.
func DefaultMantra(intent string) string {
	if m, ok := defaultMantras[intent]; ok {
		return m
	}
	return "I am here."
}
