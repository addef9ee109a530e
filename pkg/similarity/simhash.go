package similarity

import (
	"strings"
	"unicode"

	"github.com/go-dedup/simhash"
)

// SimhashThreshold 汉明距离 <= 阈值视为近似重复
const SimhashThreshold = 10

// textFeatureSet 实现 simhash.FeatureSet 接口
// 拉丁文本使用词级 bigram，CJK 文本使用字符级 bigram
type textFeatureSet struct {
	text string
}

func (t textFeatureSet) GetFeatures() []simhash.Feature {
	tokens := tokenize(t.text)
	if len(tokens) == 0 {
		return []simhash.Feature{}
	}

	features := make([]simhash.Feature, 0, len(tokens)*2)
	for i := 0; i < len(tokens)-1; i++ {
		features = append(features, simhash.NewFeature([]byte(tokens[i]+" "+tokens[i+1])))
	}
	// 短文本补充单 token 特征增强区分度
	if len(tokens) < 4 {
		for _, tok := range tokens {
			features = append(features, simhash.NewFeature([]byte(tok)))
		}
	}
	return features
}

// tokenize 小写化并切分：字母数字连续段为一个 token，每个 CJK 字符单独为一个 token
func tokenize(text string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// Fingerprint 计算文本的 64 位 SimHash 指纹
func Fingerprint(text string) uint64 {
	return simhash.NewSimhash().GetSimhash(textFeatureSet{text: text})
}

// HammingDistance 计算两个指纹不同位的数量（0-64）
func HammingDistance(a, b uint64) int {
	x := a ^ b
	count := 0
	for x != 0 {
		count++
		x &= x - 1
	}
	return count
}

// IsNearDuplicate 判断两个文本是否近似重复
func IsNearDuplicate(a, b string) bool {
	return HammingDistance(Fingerprint(a), Fingerprint(b)) <= SimhashThreshold
}

// DedupeNearDuplicates 保持原顺序，去除与已保留项近似重复或完全相同（忽略大小写）的文本
func DedupeNearDuplicates(items []string) []string {
	out := make([]string, 0, len(items))
	kept := make([]uint64, 0, len(items))
	exact := make(map[string]bool, len(items))
	for _, item := range items {
		key := strings.Join(tokenize(item), " ")
		if key == "" || exact[key] {
			continue
		}
		fp := Fingerprint(item)
		dup := false
		for _, k := range kept {
			if HammingDistance(fp, k) <= SimhashThreshold {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		exact[key] = true
		kept = append(kept, fp)
		out = append(out, item)
	}
	return out
}
