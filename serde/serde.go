// Package serde holds the serializers used by typed state stores. Keys and
// values cross the store boundary as raw bytes; a Serde pairs the two
// directions for one type.
package serde

type Serializer[T any] func(T) ([]byte, error)

type Deserializer[T any] func([]byte) (T, error)

type Serde[T any] struct {
	Serializer   Serializer[T]
	Deserializer Deserializer[T]
}

var StringSerializer = func(data string) ([]byte, error) {
	return []byte(data), nil
}

var StringDeserializer = func(data []byte) (string, error) {
	return string(data), nil
}

var String = Serde[string]{
	Serializer:   StringSerializer,
	Deserializer: StringDeserializer,
}
