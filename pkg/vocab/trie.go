package vocab

// trie indexes token bytes for greedy longest-match encoding.
type trie struct {
	children map[byte]*trie
	id       int32
	end      bool
}

func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

func (t *trie) insert(word []byte, id int32) {
	cur := t
	for _, b := range word {
		next := cur.children[b]
		if next == nil {
			next = newTrie()
			cur.children[b] = next
		}
		cur = next
	}
	cur.end = true
	cur.id = id
}

// tokenize walks input and emits the id of the longest token starting at every cut.
func (t *trie) tokenize(input []byte, unknown int32) []int32 {
	var ids []int32
	for len(input) > 0 {
		cur := t
		id, size := unknown, 1
		for i, b := range input {
			cur = cur.children[b]
			if cur == nil {
				break
			}
			if cur.end {
				id, size = cur.id, i+1
			}
		}
		ids = append(ids, id)
		input = input[size:]
	}
	return ids
}
