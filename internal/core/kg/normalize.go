package kg

import "strings"

// Normalize は大文字小文字と空白の差を畳み込んだキーを返す
func Normalize(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// mergeAliases は既存の別名に新しい別名を追加する
// 正規化キーが重複するもの、および正規化名と同じものは追加しない
func mergeAliases(normalizedName string, existing []string, incoming ...[]string) ([]string, bool) {
	seen := map[string]struct{}{normalizedName: {}}
	out := make([]string, 0, len(existing))
	for _, a := range existing {
		key := Normalize(a)
		if _, ok := seen[key]; ok || key == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, a)
	}

	changed := false
	for _, list := range incoming {
		for _, a := range list {
			a = strings.TrimSpace(a)
			key := Normalize(a)
			if _, ok := seen[key]; ok || key == "" {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, a)
			changed = true
		}
	}
	return out, changed
}

// AliasKeys は別名の正規化キーを返す
func AliasKeys(aliases []string) []string {
	keys := make([]string, 0, len(aliases))
	for _, a := range aliases {
		keys = append(keys, Normalize(a))
	}
	return keys
}
