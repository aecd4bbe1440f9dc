// Package common provides shared types and constants for transport testing
package common

import (
	"fmt"
	"time"
)

// TestResult represents the outcome of one connection attempt through a
// transport or of one web reachability check.
type TestResult struct {
	Target        string        `json:"target" yaml:"target"`                   // host:port or website
	TestDate      time.Time     `json:"test_date" yaml:"test_date"`             // When the attempt finished
	TransportName string        `json:"transport" yaml:"transport"`             // Descriptor or web test name
	Success       bool          `json:"success" yaml:"success"`                 // Whether the probe passed
	Batch         int           `json:"batch" yaml:"batch"`                     // 1-based batch number
	Duration      time.Duration `json:"duration" yaml:"duration"`               // Dial plus probe time
	Error         string        `json:"error,omitempty" yaml:"error,omitempty"` // Failure cause, if any
}

// Status returns a human readable pass/fail label.
func (r TestResult) Status() string {
	if r.Success {
		return "Passed"
	}
	return "Failed"
}

// AddressFamily identifies the IP version of an interface address.
type AddressFamily string

const (
	FamilyIPv4 AddressFamily = "ipv4"
	FamilyIPv6 AddressFamily = "ipv6"
)

// Interface is one address bound to a host network interface. An interface
// with several addresses appears once per address.
type Interface struct {
	Name    string        `json:"name"`
	Family  AddressFamily `json:"family,omitempty"`
	Address string        `json:"address,omitempty"`
}

func (i Interface) String() string {
	return fmt.Sprintf("%s (%s %s)", i.Name, i.Family, i.Address)
}

// WebTest is a website checked for plain reachability, without a transport.
type WebTest struct {
	Name    string `json:"name" yaml:"name"`
	Website string `json:"website" yaml:"website"`
	Port    uint16 `json:"port" yaml:"port"`
}

// ProgressCallback is called when an attempt starts or a batch completes.
type ProgressCallback func(batch, totalBatches int, target string, status string)

// Constants for file paths
const (
	LogDir            = "Logging"
	ReportDir         = "Reporting"
	AppDataDirName    = "CanaryOutput"
	AdversaryDataDir  = "adversary_data"
	ResultsFilePrefix = "CanaryResults"
	ResultsExtension  = "csv"
)

// FileTimestampFormat is used in generated file and archive names.
const FileTimestampFormat = "2006_01_02_15_04_05"

// Constants for the probe exchange
const (
	CanaryString = "Yeah!\n"
	HTTPRequest  = "GET / HTTP/1.0\r\nConnection: close\r\n\r\n"
)

// Constants for timeouts
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultProbeTimeout   = 15 * time.Second
	DefaultArchiveTimeout = 2 * time.Minute
	DefaultWebTimeout     = 10 * time.Second
)

// DefaultWebTests are checked when web tests are enabled and none are configured.
var DefaultWebTests = []WebTest{
	{Name: "Google", Website: "https://www.google.com", Port: 443},
	{Name: "Wikipedia", Website: "https://www.wikipedia.org", Port: 443},
	{Name: "Cloudflare", Website: "https://www.cloudflare.com", Port: 443},
}
