package directory

import (
	"context"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

var _ Directory = (*Client)(nil)
var _ ChannelProxy = (*Client)(nil)

var chainIdPatterns = []*regexp.Regexp{
	regexp.MustCompile(`chainId:\s*'(.*?)'`),
	regexp.MustCompile(`chainId:\s*"(.*?)"`),
	regexp.MustCompile(`chainId:\s*([^\s]*)`),
}

const serviceAgreementsQuery = `query GetOngoingServiceAgreements($deploymentId: String!, $consumerAddress: String!, $now: Datetime!) {
  serviceAgreements(
    filter: {
      deploymentId: { equalTo: $deploymentId }
      consumerAddress: { equalTo: $consumerAddress }
      endTime: { greaterThanOrEqualTo: $now }
    }
    orderBy: END_TIME_ASC
  ) {
    totalCount
    nodes { id deploymentId indexerAddress consumerAddress startTime endTime }
  }
}`

const indexerMetadataQuery = `query GetIndexerMetadata($id: String!) {
  indexer(id: $id) { metadata }
}`

const projectQuery = `query GetProject($id: String!) {
  project(id: $id) { deploymentId }
}`

// Client talks to the network query service, IPFS and the consumer host.
type Client struct {
	logger *zerolog.Logger
	cfg    *common.DirectoryConfig
	http   *requester
}

func NewClient(logger *zerolog.Logger, cfg *common.DirectoryConfig) (*Client, error) {
	lg := logger.With().Str("component", "directory").Logger()
	r, err := newRequester(&lg, cfg.RequestTimeout.Duration(), cfg.Retry)
	if err != nil {
		return nil, err
	}
	return &Client{
		logger: &lg,
		cfg:    cfg,
		http:   r,
	}, nil
}

// ResolveChainId reads the deployment manifest from IPFS and extracts its chain identifier.
func (c *Client) ResolveChainId(ctx context.Context, deploymentId string) (string, error) {
	raw, err := c.http.do(ctx, "POST", c.ipfsCatUrl(deploymentId), nil, true)
	if err != nil {
		return "", err
	}
	return extractChainId(string(raw)), nil
}

func extractChainId(manifest string) string {
	for _, re := range chainIdPatterns {
		if m := re.FindStringSubmatch(manifest); m != nil {
			return m[1]
		}
	}
	return ""
}

func (c *Client) ResolveServiceAgreements(ctx context.Context, deploymentId, consumer, indexer string) ([]common.ServiceAgreement, error) {
	if !gethcommon.IsHexAddress(consumer) {
		return nil, common.NewErrInvalidConfig(fmt.Sprintf("consumer %q is not a valid address", consumer))
	}
	consumerAddress := gethcommon.HexToAddress(consumer).Hex()

	type agreementsData struct {
		ServiceAgreements *struct {
			TotalCount int                        `json:"totalCount"`
			Nodes      []*common.ServiceAgreement `json:"nodes"`
		} `json:"serviceAgreements"`
	}
	data, err := graphql[agreementsData](ctx, c.http, c.cfg.NetworkQueryUrl, serviceAgreementsQuery, map[string]interface{}{
		"deploymentId":    deploymentId,
		"consumerAddress": consumerAddress,
		"now":             time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		return nil, err
	}
	if data.ServiceAgreements == nil {
		return []common.ServiceAgreement{}, nil
	}

	out := make([]common.ServiceAgreement, 0, len(data.ServiceAgreements.Nodes))
	for _, sa := range data.ServiceAgreements.Nodes {
		if sa == nil || sa.DeploymentId != deploymentId {
			continue
		}
		if indexer != "" && !strings.EqualFold(sa.IndexerAddress, indexer) {
			continue
		}
		out = append(out, *sa)
	}
	return out, nil
}

func (c *Client) ResolveFlexPlans(ctx context.Context, deploymentId, apikey string) ([]common.FlexPlan, error) {
	u := fmt.Sprintf("%s/list/%s?%s", c.cfg.ConsumerHostUrl, url.PathEscape(deploymentId), url.Values{
		"apikey": []string{c.apikey(apikey)},
	}.Encode())

	var plans []common.FlexPlan
	if err := c.http.getJSON(ctx, u, &plans); err != nil {
		return nil, err
	}
	if plans == nil {
		plans = []common.FlexPlan{}
	}
	return plans, nil
}

// ResolveIndexerUrl follows the indexer's registered metadata to its public url. Any failure yields "".
func (c *Client) ResolveIndexerUrl(ctx context.Context, indexer string) (string, error) {
	lg := c.logger.With().Str("indexer", indexer).Logger()
	if !gethcommon.IsHexAddress(indexer) {
		lg.Warn().Msg("cannot resolve url of an invalid indexer address")
		return "", nil
	}

	type indexerData struct {
		Indexer *struct {
			Metadata string `json:"metadata"`
		} `json:"indexer"`
	}
	data, err := graphql[indexerData](ctx, c.http, c.cfg.NetworkQueryUrl, indexerMetadataQuery, map[string]interface{}{
		"id": gethcommon.HexToAddress(indexer).Hex(),
	})
	if err != nil {
		lg.Error().Err(err).Msg("failed to get indexer metadata reference")
		return "", nil
	}
	if data.Indexer == nil || data.Indexer.Metadata == "" {
		return "", nil
	}

	cid, err := metadataCID(data.Indexer.Metadata)
	if err != nil {
		lg.Error().Err(err).Str("metadata", data.Indexer.Metadata).Msg("indexer metadata reference is not a cid")
		return "", nil
	}

	var meta struct {
		Name string `json:"name"`
		Url  string `json:"url"`
	}
	if err := c.http.postJSON(ctx, c.ipfsCatUrl(cid), nil, &meta, true); err != nil {
		lg.Error().Err(err).Str("cid", cid).Msg("failed to get indexer latest url")
		return "", nil
	}
	return strings.TrimSpace(meta.Url), nil
}

func (c *Client) ResolveDeploymentId(ctx context.Context, projectId string) (string, error) {
	type projectData struct {
		Project *struct {
			DeploymentId string `json:"deploymentId"`
		} `json:"project"`
	}
	data, err := graphql[projectData](ctx, c.http, c.cfg.NetworkQueryUrl, projectQuery, map[string]interface{}{
		"id": strings.ToLower(projectId),
	})
	if err != nil {
		return "", err
	}
	if data.Project == nil {
		return "", nil
	}
	return data.Project.DeploymentId, nil
}

// SignChannel asks the consumer host to sign the next state of a flex plan channel and returns the authorization.
func (c *Client) SignChannel(ctx context.Context, deploymentId, channelId, apikey string) (string, error) {
	u := fmt.Sprintf("%s/sign/%s?%s", c.cfg.ConsumerHostUrl, url.PathEscape(deploymentId), url.Values{
		"apikey":  []string{c.apikey(apikey)},
		"channel": []string{channelId},
	}.Encode())

	raw, err := c.http.do(ctx, "POST", u, []byte("{}"), false)
	if err != nil {
		return "", err
	}

	var state map[string]interface{}
	if err := common.SonicCfg.Unmarshal(raw, &state); err == nil {
		for _, field := range []string{"authorization", "Authorization"} {
			if auth, ok := state[field].(string); ok && auth != "" {
				return auth, nil
			}
		}
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (c *Client) SyncChannelState(ctx context.Context, channelId, apikey string, state *ChannelStateRequest) (map[string]interface{}, error) {
	u := fmt.Sprintf("%s/state/%s?%s", c.cfg.ConsumerHostUrl, url.PathEscape(channelId), url.Values{
		"apikey": []string{c.apikey(apikey)},
	}.Encode())

	var out map[string]interface{}
	if err := c.http.postJSON(ctx, u, state, &out, false); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) apikey(apikey string) string {
	if apikey != "" {
		return apikey
	}
	return c.cfg.ConsumerHostApiKey
}

func (c *Client) ipfsCatUrl(cid string) string {
	return strings.TrimRight(c.cfg.IpfsUrl, "/") + "/cat?arg=" + url.QueryEscape(cid)
}

var cidBase32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// metadataCID accepts either a CID or a bytes32 sha256 digest as stored by the indexer registry.
func metadataCID(ref string) (string, error) {
	if common.IsCID(ref) {
		return ref, nil
	}
	digest, err := hexutil.Decode(ref)
	if err != nil {
		return "", err
	}
	if len(digest) != 32 {
		return "", fmt.Errorf("expected a 32 byte digest, got %d bytes", len(digest))
	}
	// CIDv1, dag-pb codec, sha2-256 multihash
	raw := append([]byte{0x01, 0x70, 0x12, 0x20}, digest...)
	return "b" + strings.ToLower(cidBase32.EncodeToString(raw)), nil
}
