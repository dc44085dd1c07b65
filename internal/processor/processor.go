package processor

import (
	"strings"

	"github.com/LJTian/NewsCheck/internal/collector"
)

// Dedupe 按 ExternalID 去重：同一批次内后出现的重复项、以及存储中已存在的条目都会被丢弃。
// 保持原有顺序；标题不参与比较。
func Dedupe(candidates []collector.RawCandidate, known map[string]bool) []collector.RawCandidate {
	out := make([]collector.RawCandidate, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))

	for _, c := range candidates {
		id := strings.TrimSpace(c.ExternalID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if known[id] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// UniqueIDs 返回批次内去重后的 ID 列表，用于一次性查询存储
func UniqueIDs(candidates []collector.RawCandidate) []string {
	ids := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		id := strings.TrimSpace(c.ExternalID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Batch 一轮发现结果经过过滤、去重后的划分
type Batch struct {
	New      []collector.RawCandidate
	Known    []collector.RawCandidate // 已在存储中的条目，只用于刷新元数据
	Excluded map[string]int           // 规则名 -> 排除数量
}

// Split 先过滤再去重；已知条目单独返回，便于调用方刷新缩略图等元数据
func Split(f *Filter, candidates []collector.RawCandidate, known map[string]bool) Batch {
	b := Batch{Excluded: make(map[string]int)}

	inScope := make([]collector.RawCandidate, 0, len(candidates))
	for _, c := range candidates {
		if name, ok := f.Explain(c); !ok {
			b.Excluded[name]++
			continue
		}
		inScope = append(inScope, c)
	}

	b.New = Dedupe(inScope, known)

	seen := make(map[string]struct{})
	for _, c := range inScope {
		if !known[c.ExternalID] {
			continue
		}
		if _, ok := seen[c.ExternalID]; ok {
			continue
		}
		seen[c.ExternalID] = struct{}{}
		b.Known = append(b.Known, c)
	}
	return b
}
