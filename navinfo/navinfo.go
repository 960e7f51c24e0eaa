// Package navinfo defines the per-navigation metadata threaded through
// the request engine, response processor, and navigation controller.
package navinfo

// Type enumerates the kind of navigation/request a response is
// processed under.
type Type string

const (
	TypeNavigate        Type = "navigate"
	TypeNavigateBack    Type = "navigate-back"
	TypeNavigateForward Type = "navigate-forward"
	TypeLoad            Type = "load"
	TypePrefetch        Type = "prefetch"
	TypeRequest         Type = "request"
)

// Info is constructed once per navigation and is immutable after
// creation except for Scrolled, which the response processor flips once
// any scroll adjustment has been applied.
type Info struct {
	Current  string
	History  bool
	Original string
	Position *[2]int // explicit scroll-restore coordinates, if any
	Referer  string
	Reverse  bool
	Scrolled bool
	Type     Type
}
