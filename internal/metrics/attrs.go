package metrics

import "go.opentelemetry.io/otel/attribute"

func attrCmd(cmd string) attribute.KeyValue    { return attribute.String("servo.cmd", cmd) }
func attrKind(kind string) attribute.KeyValue  { return attribute.String("servo.driver_kind", kind) }
func attrStatus(s string) attribute.KeyValue   { return attribute.String("servo.status", s) }
func attrEvent(event string) attribute.KeyValue { return attribute.String("servo.event", event) }
