package model

import (
	"encoding/xml"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/go-openvino/blob"
	"github.com/pkg/errors"
)

// IRVersion is the version attribute written on the <net> element.
const IRVersion = 11

// XMLNet is the root element of a serialized IR graph.
type XMLNet struct {
	XMLName xml.Name   `xml:"net"`
	Name    string     `xml:"name,attr"`
	Version int        `xml:"version,attr"`
	Layers  []XMLLayer `xml:"layers>layer"`
	Edges   []XMLEdge  `xml:"edges>edge"`
}

// XMLLayer is one node of the serialized graph.
type XMLLayer struct {
	ID      int       `xml:"id,attr"`
	Name    string    `xml:"name,attr"`
	Type    string    `xml:"type,attr"`
	Version string    `xml:"version,attr"`
	Data    *XMLData  `xml:"data,omitempty"`
	Inputs  []XMLPort `xml:"input>port,omitempty"`
	Outputs []XMLPort `xml:"output>port,omitempty"`
}

// XMLData holds a layer's attributes.
type XMLData struct {
	Attrs []xml.Attr `xml:",any,attr"`
}

// Get returns the value of the attribute with the given name.
func (d *XMLData) Get(name string) (string, bool) {
	if d == nil {
		return "", false
	}
	for _, a := range d.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// XMLPort describes one input or output port of a layer.
type XMLPort struct {
	ID        int    `xml:"id,attr"`
	Precision string `xml:"precision,attr,omitempty"`
	Dims      []int  `xml:"dim"`
}

// XMLEdge connects an output port to an input port.
type XMLEdge struct {
	FromLayer int `xml:"from-layer,attr"`
	FromPort  int `xml:"from-port,attr"`
	ToLayer   int `xml:"to-layer,attr"`
	ToPort    int `xml:"to-port,attr"`
}

// SaveIR writes m as an IR XML file and its constants as a weights file.
//
// If binPath is empty no weights file is written, but Const layers still
// carry the offsets they would have.
func SaveIR(m *Model, xmlPath, binPath string) error {
	var w *blob.Writer
	if binPath == "" {
		w = blob.NewNullWriter()
	} else {
		var err error
		w, err = blob.NewWriter(binPath)
		if err != nil {
			return errors.WithMessagef(err, "saving model %q", m.name)
		}
	}
	net, err := ToXML(m, w)
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return errors.WithMessagef(err, "saving weights of model %q", m.name)
	}
	out, err := xml.MarshalIndent(net, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "marshal model %q", m.name)
	}
	out = append([]byte(xml.Header), out...)
	if err := os.WriteFile(xmlPath, out, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", xmlPath)
	}
	return nil
}

// ToXML converts m to its XML form, adding constant payloads to w.
// Layer ids are positions in m.Nodes(); input ports are numbered first and
// output ports continue after them.
func ToXML(m *Model, w *blob.Writer) (*XMLNet, error) {
	net := &XMLNet{Name: m.name, Version: IRVersion}
	layerID := make(map[*Node]int, len(m.nodes))
	for i, n := range m.nodes {
		layerID[n] = i
	}
	for i, n := range m.nodes {
		layer := XMLLayer{
			ID:      i,
			Name:    n.name,
			Type:    n.opType,
			Version: "opset8",
		}
		data := &XMLData{}
		names := n.AttrNames()
		slices.Sort(names)
		for _, name := range names {
			data.Attrs = append(data.Attrs, xml.Attr{
				Name:  xml.Name{Local: name},
				Value: formatAttr(n.attrs[name]),
			})
		}
		if n.opType == OpConstant {
			e, err := w.AddBlob(n.data)
			if err != nil {
				return nil, errors.WithMessagef(err, "constant %q", n.name)
			}
			data.Attrs = append(data.Attrs,
				xml.Attr{Name: xml.Name{Local: "offset"}, Value: strconv.FormatUint(e.Offset, 10)},
				xml.Attr{Name: xml.Name{Local: "size"}, Value: strconv.FormatUint(e.Size, 10)})
		}
		if len(data.Attrs) > 0 {
			layer.Data = data
		}
		for port, in := range n.inputs {
			src, ok := layerID[in.node]
			if !ok {
				return nil, errors.Errorf("model %q: node %s consumes %s which is not part of the model", m.name, n, in.node)
			}
			layer.Inputs = append(layer.Inputs, XMLPort{
				ID:        port,
				Precision: precisionName(in.DType()),
				Dims:      in.shape.Dimensions,
			})
			net.Edges = append(net.Edges, XMLEdge{
				FromLayer: src,
				FromPort:  len(in.node.inputs) + in.index,
				ToLayer:   i,
				ToPort:    port,
			})
		}
		for j, out := range n.outputs {
			layer.Outputs = append(layer.Outputs, XMLPort{
				ID:        len(n.inputs) + j,
				Precision: precisionName(out.DType()),
				Dims:      out.shape.Dimensions,
			})
		}
		net.Layers = append(net.Layers, layer)
	}
	return net, nil
}

func formatAttr(v any) string {
	switch a := v.(type) {
	case []int:
		parts := make([]string, len(a))
		for i, d := range a {
			parts[i] = strconv.Itoa(d)
		}
		return strings.Join(parts, ",")
	case DType:
		return ElementTypeName(a)
	case float32:
		return strconv.FormatFloat(float64(a), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(a, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(a)
	default:
		return fmt.Sprint(a)
	}
}

func precisionName(dtype DType) string {
	switch dtype {
	case Float16:
		return "FP16"
	case Float32:
		return "FP32"
	case Int8:
		return "I8"
	case Uint8:
		return "U8"
	case Int32:
		return "I32"
	default:
		return "UNSPECIFIED"
	}
}
