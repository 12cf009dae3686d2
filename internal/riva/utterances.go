package riva

import "strings"

// utterances folds recognizer output into the distinct phrases of one answer. A final result
// settles the open phrase. An interim that keeps fewer than half of the open phrase's leading
// words starts a new phrase and settles the old one.
type utterances struct {
	settled []string
	open    string
}

func normalize(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

func (u *utterances) observe(text string, final bool) {
	if final {
		u.settle(text)
		u.open = ""
		return
	}
	if u.open != "" && diverges(u.open, text) {
		u.settle(u.open)
	}
	u.open = text
}

// settle records text unless it repeats or shortens the last settled phrase; an extension
// replaces it.
func (u *utterances) settle(text string) {
	text = normalize(text)
	if text == "" {
		return
	}
	if n := len(u.settled); n > 0 {
		last := u.settled[n-1]
		if strings.HasPrefix(last, text) {
			return
		}
		if strings.HasPrefix(text, last) {
			u.settled[n-1] = text
			return
		}
	}
	u.settled = append(u.settled, text)
}

// phrases returns the settled phrases with the open one folded in.
func (u *utterances) phrases() []string {
	out := utterances{settled: append([]string(nil), u.settled...)}
	out.settle(u.open)
	return out.settled
}

func diverges(prev, cur string) bool {
	prev, cur = normalize(prev), normalize(cur)
	if prev == "" || cur == "" || strings.HasPrefix(cur, prev) || strings.HasPrefix(prev, cur) {
		return false
	}
	a, b := strings.Fields(prev), strings.Fields(cur)
	shared := 0
	for shared < len(a) && shared < len(b) && a[shared] == b[shared] {
		shared++
	}
	return shared*2 < min(len(a), len(b))
}
