package packet

import "fmt"

// Split 把包的负载切成 n 个有序分片，分片共享同一个 ID。
// 支持 string、[]byte、[]any 负载；n <= 1 时原样返回。
func Split(p Packet, n int) ([]Packet, error) {
	if n <= 1 {
		return []Packet{p}, nil
	}
	var parts []any
	switch v := p.Payload.(type) {
	case string:
		runes := []rune(v)
		for _, r := range bounds(len(runes), n) {
			parts = append(parts, string(runes[r[0]:r[1]]))
		}
	case []byte:
		for _, r := range bounds(len(v), n) {
			parts = append(parts, append([]byte(nil), v[r[0]:r[1]]...))
		}
	case []any:
		for _, r := range bounds(len(v), n) {
			parts = append(parts, append([]any(nil), v[r[0]:r[1]]...))
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsplittable, p.Payload)
	}

	out := make([]Packet, 0, n)
	for i, part := range parts {
		c := p
		c.Payload = part
		c.ChunkIndex = i
		c.ChunkCount = n
		c.IsFinal = i == n-1
		out = append(out, c)
	}
	return out, nil
}

// bounds 把长度 size 均分成 n 段，返回每段的 [start,end)
func bounds(size, n int) [][2]int {
	out := make([][2]int, n)
	step, rem := size/n, size%n
	start := 0
	for i := 0; i < n; i++ {
		end := start + step
		if i < rem {
			end++
		}
		out[i] = [2]int{start, end}
		start = end
	}
	return out
}
