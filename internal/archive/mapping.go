package archive

import "sort"

// mappingNode is one entry in the tree-shaped "mapping" export
// representation: node id → {parent, children, message}.
type mappingNode struct {
	parent   string
	children []string
	message  map[string]any
}

// flattenMapping collects messages from a mapping tree by iterative traversal
// from the root. An explicit stack bounds depth on adversarial input; a
// visited set guards against cycles.
func flattenMapping(mapping map[string]any) []Message {
	nodes := make(map[string]mappingNode, len(mapping))
	var roots []string

	for id, v := range mapping {
		nm, ok := v.(map[string]any)
		if !ok {
			continue
		}

		node := mappingNode{parent: stringField(nm, "parent")}
		if children, ok := nm["children"].([]any); ok {
			node.children = make([]string, 0, len(children))
			for _, c := range children {
				if cid, ok := c.(string); ok {
					node.children = append(node.children, cid)
				}
			}
		}
		if msg, ok := nm["message"].(map[string]any); ok {
			node.message = msg
		}
		nodes[id] = node

		if node.parent == "" {
			roots = append(roots, id)
		}
	}

	// Map iteration order is random; sort roots so traversal is stable.
	sort.Strings(roots)

	var msgs []Message
	visited := make(map[string]bool, len(nodes))

	// Depth-first, children in declared order: push in reverse so the first
	// child is popped first.
	stack := make([]string, len(roots))
	for i, id := range roots {
		stack[len(roots)-1-i] = id
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if visited[id] {
			continue
		}
		visited[id] = true

		node, ok := nodes[id]
		if !ok {
			continue
		}

		if node.message != nil {
			if msg, ok := decodeMessage(node.message); ok {
				msgs = append(msgs, msg)
			}
		}

		for i := len(node.children) - 1; i >= 0; i-- {
			if !visited[node.children[i]] {
				stack = append(stack, node.children[i])
			}
		}
	}

	return msgs
}
