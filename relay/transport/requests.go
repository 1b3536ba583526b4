package transport

// RoomURI is the path binding every room-scoped endpoint shares.
type RoomURI struct {
	RoomID string `uri:"roomId" binding:"required,roomid"`
}

// PublishBody is an opaque envelope as submitted by clients. Both
// fields are base64; raw sizes are checked in the handler after
// decoding.
type PublishBody struct {
	IV         string `json:"iv" binding:"required,b64"`
	Ciphertext string `json:"ciphertext" binding:"required,b64"`
}
