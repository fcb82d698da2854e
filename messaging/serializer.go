package messaging

import "encoding/json"

// Serializer converts payloads to and from bytes. Implementations must
// distinguish transient from permanent failures through the error's
// Retryable classification; serialization failures are permanent.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, v any) error
	ContentType() string
}

// JSONSerializer is the default Serializer.
type JSONSerializer struct{}

// Serialize implements Serializer.
func (JSONSerializer) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, SerializationError(err)
	}
	return data, nil
}

// Deserialize implements Serializer.
func (JSONSerializer) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return DeserializationError(err)
	}
	return nil
}

// ContentType implements Serializer.
func (JSONSerializer) ContentType() string { return "application/json" }
