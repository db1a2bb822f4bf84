package group

type Group uint8

const (
	GroupInvalid   Group = 0
	GroupHeartbeat Group = 1
)

func (g Group) String() string {
	switch g {
	case GroupInvalid:
		return "Invalid Group"
	case GroupHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown Group"
	}
}
