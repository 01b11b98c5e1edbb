package radiora2

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"
)

// OutputKind classifies a Lutron output by its XML OutputType.
type OutputKind int

const (
	OutputDimmed OutputKind = iota
	OutputSwitched
	OutputShade
	OutputContactPulsed
	OutputContactMaintained
)

var outputKinds = map[string]OutputKind{
	"INC":            OutputDimmed,
	"NON_DIM":        OutputSwitched,
	"SYSTEM_SHADE":   OutputShade,
	"CCO_PULSED":     OutputContactPulsed,
	"CCO_MAINTAINED": OutputContactMaintained,
}

// DeviceKind classifies a Lutron control device by its XML DeviceType.
type DeviceKind int

const (
	DeviceKeypad DeviceKind = iota
	DeviceRemote
	DeviceRepeater
	DeviceMotionSensor
)

var deviceKinds = map[string]DeviceKind{
	"SEETOUCH_KEYPAD":          DeviceKeypad,
	"SEETOUCH_TABLETOP_KEYPAD": DeviceKeypad,
	"HYBRID_SEETOUCH_KEYPAD":   DeviceKeypad,
	"PICO_KEYPAD":              DeviceRemote,
	"VISOR_CONTROL_RECEIVER":   DeviceRepeater,
	"MAIN_REPEATER":            DeviceRepeater,
	"MOTION_SENSOR":            DeviceMotionSensor,
}

// fixedButtonNames labels well-known buttons that carry no engraving:
// Pico faces, SeeTouch raise/lower columns, visor control inputs.
var fixedButtonNames = map[string]map[int]string{
	"PICO_KEYPAD": {
		2: "Top", 3: "Middle", 4: "Bottom", 5: "Raise", 6: "Lower",
	},
	"SEETOUCH_TABLETOP_KEYPAD": {
		20: "Right column lower", 21: "Right column raise",
		22: "Middle column lower", 23: "Middle column raise",
		24: "Left column lower", 25: "Left column raise",
	},
	"SEETOUCH_KEYPAD": {
		16: "Top lower", 17: "Top raise", 18: "Bottom lower", 19: "Bottom raise",
	},
	"HYBRID_SEETOUCH_KEYPAD": {
		16: "Top lower", 17: "Top raise", 18: "Bottom lower", 19: "Bottom raise",
	},
	"VISOR_CONTROL_RECEIVER": {
		30: "Full/Security", 31: "Security Flash", 32: "Input 1", 33: "Input 2",
	},
}

// ledOffset separates a button's component id from its LED's: the LED
// for button N reports as component N+80.
const ledOffset = 80

// LayoutArea is one physical area from the repeater database.
type LayoutArea struct {
	Name    string
	Outputs []*LayoutOutput
	Devices []*LayoutDevice
}

// LayoutOutput is one load (light, shade, contact closure).
type LayoutOutput struct {
	IID  int
	Name string
	Kind OutputKind
	Area *LayoutArea
}

// LayoutDevice is one control device (keypad, remote, repeater,
// motion sensor) with its labeled buttons and LED component ids.
type LayoutDevice struct {
	IID     int
	Name    string
	Type    string // raw DeviceType
	Kind    DeviceKind
	Buttons map[int]string // component id → label
	LEDs    map[int]bool   // component ids
	Area    *LayoutArea
}

// ButtonCIDs returns the device's button component ids in order.
func (d *LayoutDevice) ButtonCIDs() []int {
	cids := make([]int, 0, len(d.Buttons))
	for cid := range d.Buttons {
		cids = append(cids, cid)
	}
	sort.Ints(cids)
	return cids
}

// LEDCIDs returns the device's LED component ids in order.
func (d *LayoutDevice) LEDCIDs() []int {
	cids := make([]int, 0, len(d.LEDs))
	for cid := range d.LEDs {
		cids = append(cids, cid)
	}
	sort.Ints(cids)
	return cids
}

// LEDForButton resolves a button's LED component id, if the button has
// an LED at all.
func (d *LayoutDevice) LEDForButton(cid int) (int, bool) {
	if d.LEDs[cid+ledOffset] {
		return cid + ledOffset, true
	}
	return 0, false
}

// Layout is the parsed repeater database.
type Layout struct {
	ignore map[int]bool
	areas  []*LayoutArea
}

// NewLayout creates an empty layout. Keypads whose iid appears in
// ignoreKeypads keep their device entry but lose all buttons and LEDs,
// so nothing of theirs is cached or monitored.
func NewLayout(ignoreKeypads []int) *Layout {
	ignore := make(map[int]bool, len(ignoreKeypads))
	for _, iid := range ignoreKeypads {
		ignore[iid] = true
	}
	return &Layout{ignore: ignore}
}

// Areas returns the parsed areas in database order.
func (l *Layout) Areas() []*LayoutArea { return l.areas }

// LoadCached parses the repeater database from a file on disk.
func (l *Layout) LoadCached(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading cached layout: %w", err)
	}
	log.Infof("using cached repeater database %s", path)
	return l.parse(data)
}

// LoadLive fetches DbXmlInfo.xml from the repeater's built-in web
// server. When cachePath is non-empty the fetched copy is written
// there for the next start; a write failure only logs.
func (l *Layout) LoadLive(hostname, cachePath string) error {
	url := fmt.Sprintf("http://%s/DbXmlInfo.xml", hostname)
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetching repeater database: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching repeater database: %s returned %s", url, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("fetching repeater database: %w", err)
	}
	if cachePath != "" {
		if err := os.WriteFile(cachePath, data, 0o644); err != nil {
			log.Warnf("caching repeater database to %s: %v", cachePath, err)
		}
	}
	return l.parse(data)
}

type xmlProject struct {
	Areas []xmlArea `xml:"Areas>Area"`
}

type xmlArea struct {
	Name         string           `xml:"Name,attr"`
	Areas        []xmlArea        `xml:"Areas>Area"`
	Outputs      []xmlOutput      `xml:"Outputs>Output"`
	DeviceGroups []xmlDeviceGroup `xml:"DeviceGroups>DeviceGroup"`
}

type xmlDeviceGroup struct {
	Devices []xmlDevice `xml:"Devices>Device"`
}

type xmlOutput struct {
	Name          string `xml:"Name,attr"`
	IntegrationID int    `xml:"IntegrationID,attr"`
	OutputType    string `xml:"OutputType,attr"`
}

type xmlDevice struct {
	Name          string         `xml:"Name,attr"`
	IntegrationID int            `xml:"IntegrationID,attr"`
	DeviceType    string         `xml:"DeviceType,attr"`
	Components    []xmlComponent `xml:"Components>Component"`
}

type xmlComponent struct {
	Number int        `xml:"ComponentNumber,attr"`
	Type   string     `xml:"ComponentType,attr"`
	Button *xmlButton `xml:"Button"`
}

type xmlButton struct {
	Name      string `xml:"Name,attr"`
	Engraving string `xml:"Engraving,attr"`
}

func (l *Layout) parse(data []byte) error {
	var project xmlProject
	if err := xml.Unmarshal(data, &project); err != nil {
		return fmt.Errorf("parsing repeater database: %w", err)
	}
	l.areas = nil
	for _, a := range project.Areas {
		l.walkArea(a)
	}
	outputs, devices := 0, 0
	for _, a := range l.areas {
		outputs += len(a.Outputs)
		devices += len(a.Devices)
	}
	log.Infof("repeater database: %d areas, %d outputs, %d devices", len(l.areas), outputs, devices)
	return nil
}

// walkArea flattens nested areas. "Root Area" is the database's
// artificial top node; it is skipped but its children are kept.
func (l *Layout) walkArea(xa xmlArea) {
	if xa.Name != "Root Area" {
		l.areas = append(l.areas, l.mapArea(xa))
	}
	for _, child := range xa.Areas {
		l.walkArea(child)
	}
}

func (l *Layout) mapArea(xa xmlArea) *LayoutArea {
	area := &LayoutArea{Name: xa.Name}
	for _, xo := range xa.Outputs {
		kind, ok := outputKinds[xo.OutputType]
		if !ok {
			log.Warnf("output %d (%s): unhandled OutputType %q, skipping", xo.IntegrationID, xo.Name, xo.OutputType)
			continue
		}
		area.Outputs = append(area.Outputs, &LayoutOutput{
			IID:  xo.IntegrationID,
			Name: xo.Name,
			Kind: kind,
			Area: area,
		})
	}
	for _, group := range xa.DeviceGroups {
		for _, xd := range group.Devices {
			dev := l.mapDevice(xd, area)
			if dev != nil {
				area.Devices = append(area.Devices, dev)
			}
		}
	}
	return area
}

func (l *Layout) mapDevice(xd xmlDevice, area *LayoutArea) *LayoutDevice {
	kind, ok := deviceKinds[xd.DeviceType]
	if !ok {
		log.Warnf("device %d (%s): unhandled DeviceType %q, skipping", xd.IntegrationID, xd.Name, xd.DeviceType)
		return nil
	}
	dev := &LayoutDevice{
		IID:     xd.IntegrationID,
		Name:    xd.Name,
		Type:    xd.DeviceType,
		Kind:    kind,
		Buttons: make(map[int]string),
		LEDs:    make(map[int]bool),
		Area:    area,
	}
	if l.ignore[dev.IID] {
		log.Infof("keypad %d (%s) on ignore list, dropping its components", dev.IID, dev.Name)
		return dev
	}
	for _, comp := range xd.Components {
		switch comp.Type {
		case "BUTTON", "CCI":
			dev.Buttons[comp.Number] = buttonLabel(xd.DeviceType, comp)
		case "LED":
			dev.LEDs[comp.Number] = true
		}
	}
	return dev
}

// buttonLabel picks a button's display label: the user's engraving
// wins, then the fixed per-model names, then the raw component name.
func buttonLabel(deviceType string, comp xmlComponent) string {
	if comp.Button != nil && comp.Button.Engraving != "" {
		return comp.Button.Engraving
	}
	if fixed, ok := fixedButtonNames[deviceType][comp.Number]; ok {
		return "[" + fixed + "]"
	}
	if comp.Button != nil && comp.Button.Name != "" {
		return comp.Button.Name
	}
	return fmt.Sprintf("[Button %d]", comp.Number)
}
