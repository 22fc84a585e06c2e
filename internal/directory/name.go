package directory

import "fmt"

// DisplayName names a conversation for viewer: the explicit name if any,
// else the other member's name for a pair, else "<first other> and N others".
func DisplayName(c Conversation, viewer string) string {
	if c.Name != "" {
		return c.Name
	}
	var others []string
	for _, p := range c.Participants {
		if p.ID != viewer {
			others = append(others, p.Name())
		}
	}
	switch len(others) {
	case 0:
		return ""
	case 1:
		return others[0]
	default:
		return fmt.Sprintf("%s and %d others", others[0], len(others)-1)
	}
}
