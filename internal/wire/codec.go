package wire

// Codec turns a Message into a frame payload and back. The broker picks one
// codec per listener (--codec=binary|json, default binary); a connection
// never mixes the two mid-stream.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(msgType MessageType, payload []byte) (Message, error)
}
