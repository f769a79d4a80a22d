// Package events defines the wire contract exchanged between the order
// service and the inventory, payment and notification services.
//
// Every message is a JSON object whose shape is fixed by its routing key.
// The set of variants is closed: Decode rejects routing keys it does not
// know and payloads that fail validation, so handlers only ever see
// well-formed values.
package events
