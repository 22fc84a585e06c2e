package typing

import "fmt"

// Text renders typing names, already excluding the viewer.
func Text(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing", names[0])
	case 2:
		return fmt.Sprintf("%s and %s are typing", names[0], names[1])
	default:
		return "several people are typing"
	}
}

// Others returns users without self, keeping order.
func Others(users []string, self string) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u != self {
			out = append(out, u)
		}
	}
	return out
}
