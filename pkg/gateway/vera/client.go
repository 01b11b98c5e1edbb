package vera

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// The controller's UPnP bridge listens here.
const controllerPort = 3480

// serviceDoorLock is the UPnP service behind lock reads and actions.
const serviceDoorLock = "urn:micasaverde-com:serviceId:DoorLock1"

// Job states the controller reports. A job in any of these is still in
// flight; everything else (done, error, aborted) is final.
const (
	jobWaitingToStart     = 0
	jobInProgress         = 1
	jobWaitingForCallback = 5
)

// flexInt decodes a JSON integer that some firmware versions quote.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("parsing %s as integer: %w", data, err)
	}
	*f = flexInt(n)
	return nil
}

// The sdata summary, trimmed to the parts consumed here.

type sdataRoom struct {
	ID   flexInt `json:"id"`
	Name string  `json:"name"`
}

type sdataCategory struct {
	ID   flexInt `json:"id"`
	Name string  `json:"name"`
}

type sdataDevice struct {
	ID       flexInt `json:"id"`
	Name     string  `json:"name"`
	Category flexInt `json:"category"`
	Room     flexInt `json:"room"`
	Locked   flexInt `json:"locked"`
}

type sdataReply struct {
	Rooms      []sdataRoom     `json:"rooms"`
	Categories []sdataCategory `json:"categories"`
	Devices    []sdataDevice   `json:"devices"`
}

// client issues data_request calls against one controller.
type client struct {
	base string
	http *http.Client
}

// newClient targets hostname, which may carry an explicit ":port".
func newClient(hostname string) *client {
	addr := hostname
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, controllerPort)
	}
	return &client{
		base: fmt.Sprintf("http://%s/data_request", addr),
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// get issues one data_request call and returns the raw body.
func (c *client) get(id string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("id", id)
	resp, err := c.http.Get(c.base + "?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("controller request %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("controller request %s: %s", id, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("controller request %s: %w", id, err)
	}
	return body, nil
}

// sdata fetches the controller's summary of rooms, categories, and
// devices.
func (c *client) sdata() (*sdataReply, error) {
	params := url.Values{}
	params.Set("output_format", "json")
	body, err := c.get("sdata", params)
	if err != nil {
		return nil, err
	}
	var reply sdataReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, fmt.Errorf("decoding sdata: %w", err)
	}
	return &reply, nil
}

// lockStatus reads a lock's Status variable: 1 locked, 0 unlocked. The
// reply body is the bare value, not JSON.
func (c *client) lockStatus(devNum int) (int, error) {
	params := url.Values{}
	params.Set("DeviceNum", strconv.Itoa(devNum))
	params.Set("serviceId", serviceDoorLock)
	params.Set("Variable", "Status")
	body, err := c.get("variableget", params)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(body)))
	if err != nil {
		return 0, fmt.Errorf("device %d Status %q: %w", devNum, body, err)
	}
	return v, nil
}

// setTarget commands a lock towards value: 1 locked, 0 unlocked. The
// controller acknowledges before the motor finishes; completion shows
// up through job status and the next poll.
func (c *client) setTarget(devNum, value int) error {
	params := url.Values{}
	params.Set("output_format", "json")
	params.Set("DeviceNum", strconv.Itoa(devNum))
	params.Set("serviceId", serviceDoorLock)
	params.Set("action", "SetTarget")
	params.Set("newTargetValue", strconv.Itoa(value))
	_, err := c.get("action", params)
	return err
}

type deviceJobs struct {
	Jobs []struct {
		Status flexInt `json:"status"`
	} `json:"Jobs"`
}

// jobActive answers whether the device has a job still in flight.
func (c *client) jobActive(devNum int) (bool, error) {
	params := url.Values{}
	params.Set("output_format", "json")
	params.Set("DeviceNum", strconv.Itoa(devNum))
	body, err := c.get("status", params)
	if err != nil {
		return false, err
	}
	var reply map[string]json.RawMessage
	if err := json.Unmarshal(body, &reply); err != nil {
		return false, fmt.Errorf("decoding status: %w", err)
	}
	raw, ok := reply[fmt.Sprintf("Device_Num_%d", devNum)]
	if !ok {
		return false, fmt.Errorf("status reply has no entry for device %d", devNum)
	}
	var jobs deviceJobs
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return false, fmt.Errorf("decoding status for device %d: %w", devNum, err)
	}
	for _, job := range jobs.Jobs {
		switch int(job.Status) {
		case jobWaitingToStart, jobInProgress, jobWaitingForCallback:
			return true, nil
		}
	}
	return false, nil
}
