//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: other_examples/ef33b057_tithomas1-nso-nsoevent__streamSubscriber.go.go (encoding/xml streaming usage)
//

package emotiva

import (
	"encoding/xml"
	"errors"
	"strconv"
)

const xmlDeclaration = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// FrameKind identifies the parsed shape of a [Frame].
type FrameKind int

const (
	FrameTransponder FrameKind = iota
	FrameAck
	FrameNotify
	FrameSubscription
	FrameUnsubscribe
	FrameUpdate
	FrameMenuNotify
	FrameBarNotify
	FrameKeepAlive
	FrameGoodbye
)

// FrameProperty is one normalised property entry within a [Frame]. Both the
// v3 `<property name=… value=… visible=…/>` shape and the legacy v2 shape
// (tag name IS the property name) decode to this same representation.
type FrameProperty struct {
	Name    PropertyName
	Value   string
	Visible bool
	Status  AckStatus
}

// Frame is the result of decoding one inbound datagram.
type Frame struct {
	Kind FrameKind

	// Transponder is populated only when Kind == FrameTransponder.
	Transponder *DeviceDescriptor

	// Sequence is populated only when Kind == FrameNotify.
	Sequence uint32

	// Properties holds the normalised property list for Kind in
	// {FrameAck, FrameNotify, FrameSubscription, FrameUnsubscribe, FrameUpdate}.
	Properties []FrameProperty

	// LegacyFormat is true when a FrameNotify/FrameSubscription/etc. frame
	// used the v2.0 tag-name-as-property-name shape rather than explicit
	// name= attributes.
	LegacyFormat bool

	// Raw holds the original payload for opaque pass-through kinds
	// (FrameMenuNotify, FrameBarNotify).
	Raw []byte
}

// xmlElement is a generic XML tree node used to parse both v2.0 and v3.x
// shapes without a dedicated struct per root element.
type xmlElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Children []xmlElement `xml:",any"`
	Text     string       `xml:",chardata"`
}

func attrValue(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Codec is a stateless XML codec for the Emotiva LAN control protocol.
//
// Codec has no mutable state; the zero value is ready to use.
type Codec struct{}

// Decode parses raw into a [Frame].
//
// The size check against maxBytes happens before any XML parsing is
// attempted: an oversized payload never reaches [xml.Unmarshal].
func (Codec) Decode(raw []byte, maxBytes int) (Frame, error) {
	if len(raw) > maxBytes {
		return Frame{}, &ErrXMLTooLarge{Size: len(raw), Max: maxBytes}
	}

	var root xmlElement
	if err := xml.Unmarshal(raw, &root); err != nil {
		n := len(raw)
		if n > 200 {
			n = 200
		}
		snippet := make([]byte, n)
		copy(snippet, raw[:n])
		return Frame{}, &ErrXMLMalformed{Snippet: snippet, Cause: err}
	}

	switch root.XMLName.Local {
	case "emotivaTransponder":
		return decodeTransponder(root)
	case "emotivaAck":
		f, _ := decodeProperties(root, FrameAck)
		return f, nil
	case "emotivaNotify":
		return decodeNotify(root)
	case "emotivaSubscription":
		return decodeProperties(root, FrameSubscription)
	case "emotivaUnsubscribe":
		return decodeProperties(root, FrameUnsubscribe)
	case "emotivaUpdate":
		return decodeProperties(root, FrameUpdate)
	case "emotivaMenuNotify":
		return Frame{Kind: FrameMenuNotify, Raw: raw}, nil
	case "emotivaBarNotify":
		return Frame{Kind: FrameBarNotify, Raw: raw}, nil
	case "emotivaKeepAlive":
		return Frame{Kind: FrameKeepAlive}, nil
	case "emotivaGoodbye":
		return Frame{Kind: FrameGoodbye}, nil
	default:
		return Frame{}, &ErrUnknownRoot{Root: root.XMLName.Local}
	}
}

func normalizeProperty(el xmlElement) (FrameProperty, bool) {
	name := el.XMLName.Local
	legacy := true
	if v, ok := attrValue(el.Attrs, "name"); ok && v != "" {
		name = v
		legacy = false
	}
	value, _ := attrValue(el.Attrs, "value")
	visible := true
	if v, ok := attrValue(el.Attrs, "visible"); ok {
		visible = v == "true" || v == "yes" || v == "1"
	}
	status := AckStatus("")
	if v, ok := attrValue(el.Attrs, "status"); ok {
		status = AckStatus(v)
	}
	return FrameProperty{Name: PropertyName(name), Value: value, Visible: visible, Status: status}, legacy
}

func decodeProperties(root xmlElement, kind FrameKind) (Frame, error) {
	f := Frame{Kind: kind}
	for _, c := range root.Children {
		prop, legacy := normalizeProperty(c)
		if legacy {
			f.LegacyFormat = true
		}
		f.Properties = append(f.Properties, prop)
	}
	return f, nil
}

func decodeNotify(root xmlElement) (Frame, error) {
	f, _ := decodeProperties(root, FrameNotify)
	if seq, ok := attrValue(root.Attrs, "sequence"); ok {
		n, err := strconv.ParseUint(seq, 10, 32)
		if err != nil {
			return Frame{}, &ErrXMLMalformed{Snippet: []byte(seq), Cause: err}
		}
		f.Sequence = uint32(n)
	}
	return f, nil
}

func decodeTransponder(root xmlElement) (Frame, error) {
	d := DeviceDescriptor{ProtocolVersion: ProtocolV2_0, KeepaliveIntervalMs: 10000}
	for _, c := range root.Children {
		switch c.XMLName.Local {
		case "model":
			d.Model = c.Text
		case "revision":
			d.Revision = c.Text
		case "name":
			d.Name = c.Text
		case "control":
			for _, cc := range c.Children {
				switch cc.XMLName.Local {
				case "version":
					if cc.Text != "" {
						d.ProtocolVersion = ProtocolVersion(cc.Text)
					}
				case "controlPort":
					if p, err := strconv.ParseUint(cc.Text, 10, 16); err == nil {
						d.ControlPort = uint16(p)
					}
				case "notifyPort":
					if p, err := strconv.ParseUint(cc.Text, 10, 16); err == nil {
						d.NotifyPort = uint16(p)
					}
				case "keepAlive":
					if p, err := strconv.ParseUint(cc.Text, 10, 32); err == nil {
						d.KeepaliveIntervalMs = uint32(p)
					}
				}
			}
		}
	}
	if d.Model == "" {
		return Frame{}, &ErrDiscoveryMalformed{Cause: errors.New("emotivaTransponder missing model element")}
	}
	return Frame{Kind: FrameTransponder, Transponder: &d}, nil
}

func marshalWithDecl(v any) ([]byte, error) {
	body, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(xmlDeclaration)+len(body))
	out = append(out, xmlDeclaration...)
	out = append(out, body...)
	return out, nil
}

// EncodePing serialises an emotivaPing frame opting into the given protocol
// version.
func (Codec) EncodePing(protocol ProtocolVersion) ([]byte, error) {
	type ping struct {
		XMLName  xml.Name `xml:"emotivaPing"`
		Protocol string   `xml:"protocol,attr"`
	}
	return marshalWithDecl(ping{Protocol: string(protocol)})
}

// EncodeControl serialises one or more commands into a single emotivaControl
// frame.
func (Codec) EncodeControl(cmds []Command) ([]byte, error) {
	type controlChild struct {
		XMLName xml.Name
		Value   string `xml:"value,attr"`
		Ack     string `xml:"ack,attr"`
	}
	type controlFrame struct {
		XMLName  xml.Name `xml:"emotivaControl"`
		Children []controlChild
	}
	f := controlFrame{}
	for _, c := range cmds {
		ack := "no"
		if c.AckRequired {
			ack = "yes"
		}
		f.Children = append(f.Children, controlChild{
			XMLName: xml.Name{Local: c.Name},
			Value:   c.Value,
			Ack:     ack,
		})
	}
	return marshalWithDecl(f)
}

// EncodeSubscription serialises an emotivaSubscription request for names.
func (Codec) EncodeSubscription(protocol ProtocolVersion, names []PropertyName) ([]byte, error) {
	return encodeNames("emotivaSubscription", protocol, names)
}

// EncodeUnsubscribe serialises an emotivaUnsubscribe request for names.
func (Codec) EncodeUnsubscribe(protocol ProtocolVersion, names []PropertyName) ([]byte, error) {
	return encodeNames("emotivaUnsubscribe", protocol, names)
}

// EncodeUpdate serialises an emotivaUpdate request for names.
func (Codec) EncodeUpdate(protocol ProtocolVersion, names []PropertyName) ([]byte, error) {
	return encodeNames("emotivaUpdate", protocol, names)
}

func encodeNames(root string, protocol ProtocolVersion, names []PropertyName) ([]byte, error) {
	type nameChild struct {
		XMLName xml.Name
	}
	type frame struct {
		XMLName  xml.Name
		Protocol string `xml:"protocol,attr"`
		Children []nameChild
	}
	f := frame{XMLName: xml.Name{Local: root}, Protocol: string(protocol)}
	for _, n := range names {
		f.Children = append(f.Children, nameChild{XMLName: xml.Name{Local: string(n)}})
	}
	return marshalWithDecl(f)
}
