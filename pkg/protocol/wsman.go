package protocol

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
)

// WSMANClient drives the legacy WS-Management interface on older iDRACs.
// Firmware installs go through DCIM_SoftwareInstallationService; detection
// uses the standard wsmid Identify operation.
type WSMANClient struct {
	insecure bool
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewWSMANClient creates a WSMAN client.
func NewWSMANClient(insecure bool, timeout time.Duration) *WSMANClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WSMANClient{
		insecure: insecure,
		timeout:  timeout,
		logger:   log.WithProtocol(ProtocolWSMAN),
	}
}

func (c *WSMANClient) Protocol() string { return ProtocolWSMAN }
func (c *WSMANClient) Priority() int    { return priorityWSMAN }

const wsmanIdentifyEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:wsmid="http://schemas.dmtf.org/wbem/wsman/identity/1/wsmanidentity.xsd">
  <s:Header/>
  <s:Body><wsmid:Identify/></s:Body>
</s:Envelope>`

const softwareInstallURI = "http://schemas.dell.com/wbem/wscim/1/cim-schema/2/DCIM_SoftwareInstallationService"

// invokeEnvelope wraps one DCIM method invocation. The selector set pins
// the singleton DCIM_SoftwareInstallationService instance.
const invokeEnvelope = `<?xml version="1.0" encoding="UTF-8"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:wsa="http://schemas.xmlsoap.org/ws/2004/08/addressing"
            xmlns:wsman="http://schemas.dmtf.org/wbem/wsman/1/wsman.xsd">
  <s:Header>
    <wsa:To s:mustUnderstand="true">%s</wsa:To>
    <wsman:ResourceURI s:mustUnderstand="true">%s</wsman:ResourceURI>
    <wsa:Action s:mustUnderstand="true">%s/%s</wsa:Action>
    <wsa:MessageID>uuid:%s</wsa:MessageID>
    <wsa:ReplyTo><wsa:Address>http://schemas.xmlsoap.org/ws/2004/08/addressing/role/anonymous</wsa:Address></wsa:ReplyTo>
    <wsman:SelectorSet>
      <wsman:Selector Name="SystemCreationClassName">DCIM_ComputerSystem</wsman:Selector>
      <wsman:Selector Name="SystemName">IDRAC:ID</wsman:Selector>
      <wsman:Selector Name="CreationClassName">DCIM_SoftwareInstallationService</wsman:Selector>
      <wsman:Selector Name="Name">SoftwareUpdate</wsman:Selector>
    </wsman:SelectorSet>
  </s:Header>
  <s:Body>%s</s:Body>
</s:Envelope>`

func (c *WSMANClient) endpoint(host types.Host) (string, error) {
	base, err := NormalizeEndpoint(host.ManagementEndpoint)
	if err != nil {
		return "", err
	}
	return base + "/wsman", nil
}

func (c *WSMANClient) post(ctx context.Context, endpoint string, creds types.Credentials, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, errkind.Wrap(errkind.Validation, err)
	}
	req.Header.Set("Content-Type", "application/soap+xml;charset=UTF-8")
	req.SetBasicAuth(creds.Username, creds.Password)

	client := &http.Client{
		Timeout: c.timeout,
		Transport: &http.Transport{
			TLSClientConfig: TLSConfig(c.insecure),
		},
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errkind.Wrap(errkind.Network, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errkind.FromHTTPStatus(resp.StatusCode, fmt.Sprintf("wsman status %d", resp.StatusCode))
	}
	return payload, nil
}

// identifyResponse is the wsmid Identify body; Dell iDRACs report their
// firmware version in ProductVersion.
type identifyResponse struct {
	ProductVendor  string `xml:"Body>IdentifyResponse>ProductVendor"`
	ProductVersion string `xml:"Body>IdentifyResponse>ProductVersion"`
}

// DetectCapability issues a wsmid Identify.
func (c *WSMANClient) DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability {
	capability := types.ProtocolCapability{Protocol: ProtocolWSMAN}

	endpoint, err := c.endpoint(host)
	if err != nil {
		return capability
	}

	start := time.Now()
	payload, err := c.post(ctx, endpoint, creds, wsmanIdentifyEnvelope)
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("WSMAN identify failed")
		return capability
	}
	capability.LatencyMs = time.Since(start).Milliseconds()

	var ident identifyResponse
	if err := xml.Unmarshal(payload, &ident); err != nil {
		return capability
	}
	capability.Supported = true
	capability.FirmwareVersion = ident.ProductVersion
	capability.Generation = types.GenerationFromIDRACVersion(ident.ProductVersion)
	capability.UpdateModes = []string{ModeSimpleUpdate, ModeInstallFromRepo}
	if ident.ProductVendor != "" {
		capability.Raw = map[string]string{"productVendor": ident.ProductVendor}
	}
	return capability
}

// HealthCheck reuses Identify as the probe.
func (c *WSMANClient) HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport {
	report := types.HealthReport{Protocol: ProtocolWSMAN, Status: types.HealthUnreachable}
	endpoint, err := c.endpoint(host)
	if err != nil {
		report.Details = err.Error()
		return report
	}
	start := time.Now()
	if _, err := c.post(ctx, endpoint, creds, wsmanIdentifyEnvelope); err != nil {
		report.Details = err.Error()
		return report
	}
	report.LatencyMs = time.Since(start).Milliseconds()
	report.Status = types.HealthHealthy
	return report
}

// invokeResult extracts the CIM return code and spawned job from a method
// response regardless of the method element name.
type invokeResult struct {
	ReturnValue string
	JobID       string
}

func parseInvokeResult(payload []byte) invokeResult {
	var res invokeResult
	dec := xml.NewDecoder(strings.NewReader(string(payload)))
	var current string
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = t.Name.Local
		case xml.CharData:
			val := strings.TrimSpace(string(t))
			if val == "" {
				continue
			}
			if current == "ReturnValue" {
				res.ReturnValue = val
			}
			// The job id shows up under different elements depending on
			// iDRAC firmware; match on the JID_ shape instead.
			if strings.HasPrefix(val, "JID_") && res.JobID == "" {
				res.JobID = val
			}
		case xml.EndElement:
			current = ""
		}
	}
	return res
}

// PerformUpdate invokes InstallFromURI or InstallFromRepository. CIM
// return value 4096 means a job was started; anything else failed.
func (c *WSMANClient) PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolWSMAN}

	endpoint, err := c.endpoint(req.Host)
	if err != nil {
		return resp, err
	}

	var method, body string
	switch {
	case req.Mode == types.UpdateModeMultipartFile:
		return resp, errkind.New(errkind.ActionMissing, "wsman cannot stream multipart images").
			WithContext(req.Host.ID, ProtocolWSMAN, req.Artifact.Component)
	case req.RepositoryURL != "" && req.Artifact.ImageURI == "":
		method = "InstallFromRepository"
		body = fmt.Sprintf(`<p:InstallFromRepository_INPUT xmlns:p="%s">`+
			`<p:IPAddress>%s</p:IPAddress><p:ShareType>2</p:ShareType><p:ApplyUpdate>1</p:ApplyUpdate>`+
			`</p:InstallFromRepository_INPUT>`, softwareInstallURI, xmlEscape(req.RepositoryURL))
	default:
		method = "InstallFromURI"
		body = fmt.Sprintf(`<p:InstallFromURI_INPUT xmlns:p="%s"><p:URI>%s</p:URI></p:InstallFromURI_INPUT>`,
			softwareInstallURI, xmlEscape(req.Artifact.ImageURI))
	}

	envelope := fmt.Sprintf(invokeEnvelope, endpoint, softwareInstallURI, softwareInstallURI, method,
		uuid.NewString(), body)

	payload, err := c.post(ctx, endpoint, req.Credentials, envelope)
	if err != nil {
		if e, ok := err.(*errkind.Error); ok {
			return resp, e.WithContext(req.Host.ID, ProtocolWSMAN, req.Artifact.Component)
		}
		return resp, err
	}

	result := parseInvokeResult(payload)
	if result.ReturnValue != "4096" {
		return resp, errkind.New(errkind.ProtocolError,
			fmt.Sprintf("%s returned CIM code %s", method, result.ReturnValue)).
			WithContext(req.Host.ID, ProtocolWSMAN, req.Artifact.Component)
	}

	resp.Status = UpdateQueued
	resp.JobID = result.JobID
	resp.Messages = append(resp.Messages, fmt.Sprintf("%s queued job %s", method, result.JobID))
	c.logger.Info().
		Str("host", req.Host.ID).
		Str("component", req.Artifact.Component).
		Str("jobId", result.JobID).
		Msg("Firmware update queued")
	return resp, nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
