package query

// FixtureID identifies the built-in debug query.
const FixtureID = "Test Trigger #2 (inverse)"

// Fixture returns the built-in debug query: any URL, raw content, matching
// documents that contain "hello" and lack both "everyone" and "around".
func Fixture() Query {
	regex := func(s string) Pattern { return Pattern{Content: s, Kind: PatternRegex} }
	return Query{
		ID: FixtureID,
		Response: Response{
			Kind:    ResponseFull,
			Include: []ResponseItem{ItemExcerpt, ItemURL},
		},
		Scope: Scope{
			Pattern: regex(".+"),
			Content: ScopeRaw,
		},
		Threshold: Threshold{
			Considers: []Consideration{
				{Trigger: "A"},
				{Threshold: &Threshold{
					Considers: []Consideration{{Trigger: "B"}, {Trigger: "C"}},
					Requires:  1,
					Inverse:   true,
				}},
			},
			Requires: 2,
		},
		Triggers: []Trigger{
			{Pattern: regex("hello"), ID: "A"},
			{Pattern: regex("everyone"), ID: "B"},
			{Pattern: regex("around"), ID: "C"},
		},
	}
}

// Fixtures returns n copies of Fixture.
func Fixtures(n int) []Query {
	out := make([]Query, 0, max(n, 0))
	for i := 0; i < n; i++ {
		out = append(out, Fixture())
	}
	return out
}
