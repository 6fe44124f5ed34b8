package device

// Info describes a capture device visible to the hardware source
type Info struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label"`
}
