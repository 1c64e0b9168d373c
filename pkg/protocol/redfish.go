package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stmcginnis/gofish"

	"github.com/rackforge/foundry/pkg/errkind"
	"github.com/rackforge/foundry/pkg/log"
	"github.com/rackforge/foundry/pkg/types"
)

// RedfishClient speaks DMTF Redfish to the iDRAC. Structured reads go
// through gofish; update actions are raw POSTs against the action targets
// discovered from the UpdateService resource.
type RedfishClient struct {
	insecure bool
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewRedfishClient creates a Redfish client. insecure skips TLS
// verification, which is the norm for factory-certificate iDRACs.
func NewRedfishClient(insecure bool, timeout time.Duration) *RedfishClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RedfishClient{
		insecure: insecure,
		timeout:  timeout,
		logger:   log.WithProtocol(ProtocolRedfish),
	}
}

func (c *RedfishClient) Protocol() string { return ProtocolRedfish }
func (c *RedfishClient) Priority() int    { return priorityRedfish }

// NormalizeEndpoint forces the management endpoint to https. A bare host
// or host:port is accepted; any explicit non-https scheme is rejected.
func NormalizeEndpoint(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errkind.New(errkind.Validation, "management endpoint is empty")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errkind.Wrap(errkind.Validation, err)
	}
	if u.Scheme != "https" {
		return "", errkind.New(errkind.Validation,
			fmt.Sprintf("management endpoint scheme %q is not supported, use https", u.Scheme))
	}
	if u.Host == "" {
		return "", errkind.New(errkind.Validation, "management endpoint has no host")
	}
	return "https://" + u.Host, nil
}

func (c *RedfishClient) connect(ctx context.Context, host types.Host, creds types.Credentials) (*gofish.APIClient, string, error) {
	base, err := NormalizeEndpoint(host.ManagementEndpoint)
	if err != nil {
		return nil, "", err
	}
	client, err := gofish.ConnectContext(ctx, gofish.ClientConfig{
		Endpoint:  base,
		Username:  creds.Username,
		Password:  creds.Password,
		BasicAuth: true,
		HTTPClient: &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				TLSClientConfig: TLSConfig(c.insecure),
			},
		},
	})
	if err != nil {
		return nil, "", errkind.Wrap(errkind.Network, err).WithContext(host.ID, ProtocolRedfish, "")
	}
	return client, base, nil
}

// updateServiceActions is the subset of /redfish/v1/UpdateService the
// client needs: the action targets and the multipart push URI.
type updateServiceActions struct {
	MultipartURI string `json:"MultipartHttpPushUri"`
	Actions      struct {
		SimpleUpdate struct {
			Target string `json:"target"`
		} `json:"#UpdateService.SimpleUpdate"`
		Oem struct {
			DellInstallFromRepository struct {
				Target string `json:"target"`
			} `json:"#DellUpdateService.v1_1_0.InstallFromRepository"`
		} `json:"Oem"`
	} `json:"Actions"`
}

func (c *RedfishClient) fetchUpdateService(client *gofish.APIClient) (updateServiceActions, error) {
	var us updateServiceActions
	resp, err := client.Get("/redfish/v1/UpdateService")
	if err != nil {
		return us, errkind.Wrap(errkind.Network, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return us, errkind.FromHTTPStatus(resp.StatusCode, "GET /redfish/v1/UpdateService")
	}
	if err := json.NewDecoder(resp.Body).Decode(&us); err != nil {
		return us, errkind.Wrap(errkind.ProtocolError, err)
	}
	return us, nil
}

// DetectCapability probes the service root, system and manager resources.
// Unreachable or unauthorized endpoints yield supported=false.
func (c *RedfishClient) DetectCapability(ctx context.Context, host types.Host, creds types.Credentials) types.ProtocolCapability {
	cap := types.ProtocolCapability{Protocol: ProtocolRedfish}

	start := time.Now()
	client, _, err := c.connect(ctx, host, creds)
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("Redfish detection failed")
		return cap
	}
	defer client.Logout()
	cap.LatencyMs = time.Since(start).Milliseconds()
	cap.Supported = true

	if systems, err := client.Service.Systems(); err == nil && len(systems) > 0 {
		cap.Model = systems[0].Model
		cap.ServiceTag = systems[0].SKU
	}
	if managers, err := client.Service.Managers(); err == nil && len(managers) > 0 {
		cap.FirmwareVersion = managers[0].FirmwareVersion
		cap.Generation = types.GenerationFromIDRACVersion(managers[0].FirmwareVersion)
	}

	us, err := c.fetchUpdateService(client)
	if err != nil {
		c.logger.Debug().Str("host", host.ID).Err(err).Msg("UpdateService read failed during detection")
		return cap
	}
	if us.Actions.SimpleUpdate.Target != "" {
		cap.UpdateModes = append(cap.UpdateModes, ModeSimpleUpdate)
	}
	if us.MultipartURI != "" {
		cap.UpdateModes = append(cap.UpdateModes, ModeMultipartUpdate)
	}
	if us.Actions.Oem.DellInstallFromRepository.Target != "" {
		cap.UpdateModes = append(cap.UpdateModes, ModeInstallFromRepo)
	}
	return cap
}

// HealthCheck measures one authenticated round trip to the service root.
func (c *RedfishClient) HealthCheck(ctx context.Context, host types.Host, creds types.Credentials) types.HealthReport {
	report := types.HealthReport{Protocol: ProtocolRedfish, Status: types.HealthUnreachable}

	start := time.Now()
	client, _, err := c.connect(ctx, host, creds)
	if err != nil {
		report.Details = err.Error()
		return report
	}
	defer client.Logout()
	report.LatencyMs = time.Since(start).Milliseconds()

	if _, err := client.Service.Systems(); err != nil {
		report.Status = types.HealthDegraded
		report.Details = err.Error()
		return report
	}
	report.Status = types.HealthHealthy
	return report
}

// PerformUpdate submits one firmware update. A missing action target for
// the requested mode raises a typed ActionMissing error so the manager
// can fall through to the next protocol.
func (c *RedfishClient) PerformUpdate(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolRedfish}

	client, base, err := c.connect(ctx, req.Host, req.Credentials)
	if err != nil {
		return resp, err
	}
	defer client.Logout()

	us, err := c.fetchUpdateService(client)
	if err != nil {
		return resp, err
	}

	switch req.Mode {
	case types.UpdateModeSpecificURL, types.UpdateModeLatestFromCatalog:
		if req.RepositoryURL != "" && req.Artifact.ImageURI == "" {
			return c.installFromRepository(client, us, req)
		}
		return c.simpleUpdate(client, us, req)
	case types.UpdateModeMultipartFile:
		return c.multipartUpdate(ctx, base, us, req)
	default:
		return resp, errkind.New(errkind.Validation, fmt.Sprintf("unknown update mode %q", req.Mode))
	}
}

func applyTime(upon types.InstallUpon) string {
	switch upon {
	case types.InstallOnReset, types.InstallNextReboot:
		return "OnReset"
	default:
		return "Immediate"
	}
}

func (c *RedfishClient) simpleUpdate(client *gofish.APIClient, us updateServiceActions, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolRedfish}
	if us.Actions.SimpleUpdate.Target == "" {
		return resp, errkind.New(errkind.ActionMissing, "UpdateService does not advertise SimpleUpdate").WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}

	payload := map[string]interface{}{
		"ImageURI":                    req.Artifact.ImageURI,
		"@Redfish.OperationApplyTime": applyTime(req.InstallUpon),
	}
	if proto := transferProtocol(req.Artifact.ImageURI); proto != "" {
		payload["TransferProtocol"] = proto
	}
	if len(req.Targets) > 0 {
		payload["Targets"] = req.Targets
	}

	httpResp, err := client.Post(us.Actions.SimpleUpdate.Target, payload)
	if err != nil {
		return resp, errkind.Wrap(errkind.Network, err).WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}
	defer httpResp.Body.Close()
	return c.acceptSubmission(httpResp, req, resp)
}

func (c *RedfishClient) installFromRepository(client *gofish.APIClient, us updateServiceActions, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolRedfish}
	target := us.Actions.Oem.DellInstallFromRepository.Target
	if target == "" {
		return resp, errkind.New(errkind.ActionMissing, "UpdateService does not advertise InstallFromRepository").WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}

	repoURL := req.RepositoryURL
	payload := map[string]interface{}{
		"RepositoryURL": repoURL,
		"ApplyUpdate":   "True",
		"RebootNeeded":  applyTime(req.InstallUpon) != "Immediate",
	}
	httpResp, err := client.Post(target, payload)
	if err != nil {
		return resp, errkind.Wrap(errkind.Network, err).WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}
	defer httpResp.Body.Close()
	return c.acceptSubmission(httpResp, req, resp)
}

// openImage opens the update image for streaming. HTTP(S) sources are
// fetched with the response body passed through; anything else is a
// local path, optionally file:// prefixed. size is -1 when the source
// does not declare one.
func (c *RedfishClient) openImage(ctx context.Context, uri string) (io.ReadCloser, string, int64, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
		if err != nil {
			return nil, "", 0, errkind.Wrap(errkind.Validation, err)
		}
		httpClient := &http.Client{
			Transport: &http.Transport{TLSClientConfig: TLSConfig(c.insecure)},
		}
		httpResp, err := httpClient.Do(httpReq)
		if err != nil {
			return nil, "", 0, errkind.Wrap(errkind.Network, err)
		}
		if httpResp.StatusCode != http.StatusOK {
			httpResp.Body.Close()
			return nil, "", 0, errkind.FromHTTPStatus(httpResp.StatusCode, "image fetch failed: "+uri)
		}
		name := "firmware.img"
		if u, err := url.Parse(uri); err == nil {
			if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
				name = base
			}
		}
		return httpResp.Body, name, httpResp.ContentLength, nil
	}

	local := strings.TrimPrefix(uri, "file://")
	file, err := os.Open(local)
	if err != nil {
		return nil, "", 0, errkind.Wrap(errkind.Validation, err)
	}
	size := int64(-1)
	if fi, err := file.Stat(); err == nil {
		size = fi.Size()
	}
	return file, filepath.Base(local), size, nil
}

// multipartLength is the exact encoded length of the upload body, so
// Content-Length can be declared without buffering the image: the
// framing is rendered once with an empty file part and the image size
// added back.
func multipartLength(boundary string, paramBytes []byte, filename string, imageSize int64) int64 {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.SetBoundary(boundary)
	part, _ := mw.CreatePart(updateParametersHeader())
	_, _ = part.Write(paramBytes)
	_, _ = mw.CreateFormFile("UpdateFile", filename)
	_ = mw.Close()
	return int64(buf.Len()) + imageSize
}

func updateParametersHeader() textproto.MIMEHeader {
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="UpdateParameters"`)
	hdr.Set("Content-Type", "application/json")
	return hdr
}

// multipartUpdate streams the image to MultipartHttpPushUri. The body is
// produced through a pipe so the image is never buffered in memory; the
// total length is declared whenever the source reports its size.
func (c *RedfishClient) multipartUpdate(ctx context.Context, base string, us updateServiceActions, req UpdateRequest) (UpdateResponse, error) {
	resp := UpdateResponse{Status: UpdateFailed, Protocol: ProtocolRedfish}
	if us.MultipartURI == "" {
		return resp, errkind.New(errkind.ActionMissing, "UpdateService does not advertise MultipartHttpPushUri").WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}

	src, filename, size, err := c.openImage(ctx, req.Artifact.ImageURI)
	if err != nil {
		return resp, err
	}
	defer src.Close()

	params := map[string]interface{}{
		"Targets":                     req.Targets,
		"@Redfish.OperationApplyTime": applyTime(req.InstallUpon),
	}
	paramBytes, _ := json.Marshal(params)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreatePart(updateParametersHeader())
		if err == nil {
			_, err = part.Write(paramBytes)
		}
		if err == nil {
			var filePart io.Writer
			filePart, err = mw.CreateFormFile("UpdateFile", filename)
			if err == nil {
				_, err = io.Copy(filePart, src)
			}
		}
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+us.MultipartURI, pr)
	if err != nil {
		return resp, errkind.Wrap(errkind.Validation, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.SetBasicAuth(req.Credentials.Username, req.Credentials.Password)
	if size >= 0 {
		httpReq.ContentLength = multipartLength(mw.Boundary(), paramBytes, filename, size)
	}

	httpClient := &http.Client{
		Timeout: 0, // uploads can legitimately take longer than the API timeout
		Transport: &http.Transport{
			TLSClientConfig: TLSConfig(c.insecure),
		},
	}
	httpResp, err := httpClient.Do(httpReq)
	if err != nil {
		return resp, errkind.Wrap(errkind.Network, err).WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}
	defer httpResp.Body.Close()
	return c.acceptSubmission(httpResp, req, resp)
}

func (c *RedfishClient) acceptSubmission(httpResp *http.Response, req UpdateRequest, resp UpdateResponse) (UpdateResponse, error) {
	switch httpResp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusCreated:
	default:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		err := errkind.FromHTTPStatus(httpResp.StatusCode, string(body))
		return resp, err.WithContext(req.Host.ID, ProtocolRedfish, req.Artifact.Component)
	}

	resp.Status = UpdateQueued
	resp.TaskLocation = httpResp.Header.Get("Location")
	if resp.TaskLocation != "" {
		if i := strings.LastIndex(resp.TaskLocation, "/"); i >= 0 {
			resp.JobID = resp.TaskLocation[i+1:]
		}
	}
	resp.Messages = append(resp.Messages,
		fmt.Sprintf("update accepted for %s via %s", req.Artifact.Component, ProtocolRedfish))
	c.logger.Info().
		Str("host", req.Host.ID).
		Str("component", req.Artifact.Component).
		Str("taskLocation", resp.TaskLocation).
		Msg("Firmware update queued")
	return resp, nil
}

func transferProtocol(imageURI string) string {
	switch {
	case strings.HasPrefix(imageURI, "https://"):
		return "HTTPS"
	case strings.HasPrefix(imageURI, "http://"):
		return "HTTP"
	case strings.HasPrefix(imageURI, "nfs://"):
		return "NFS"
	case strings.HasPrefix(imageURI, "file://"):
		return ""
	default:
		return ""
	}
}
