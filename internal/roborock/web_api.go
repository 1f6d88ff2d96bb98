package roborock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

var baseURLs = []string{
	"https://usiot.roborock.com",
	"https://euiot.roborock.com",
	"https://cniot.roborock.com",
	"https://ruiot.roborock.com",
}

// iotLoginInfo is the regional endpoint resolved for an account email.
type iotLoginInfo struct {
	BaseURL     string
	CountryCode string
	Country     string
}

// ApiClient talks to the Roborock cloud HTTP API. It performs the login
// flows and fetches the account catalog; device traffic goes through the
// MQTT channel instead.
type ApiClient struct {
	username   string
	baseURL    string
	httpClient *http.Client
	deviceID   string
	info       *iotLoginInfo
}

func NewApiClient(username, baseURL string) *ApiClient {
	return &ApiClient{
		username: username,
		baseURL:  baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		deviceID: randomDeviceID(),
	}
}

func randomDeviceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func (c *ApiClient) getLoginInfo(ctx context.Context) (*iotLoginInfo, error) {
	if c.info != nil {
		return c.info, nil
	}
	urls := baseURLs
	if c.baseURL != "" {
		urls = []string{c.baseURL}
	}
	for _, base := range urls {
		resp, err := c.doRequest(ctx, "POST", base+"/api/v1/getUrlByEmail", map[string]string{
			"email":           c.username,
			"needtwostepauth": "false",
		}, nil, nil)
		if err != nil {
			continue
		}
		if int(asFloat(resp["code"])) != 200 {
			return nil, fmt.Errorf("getUrlByEmail failed: %v", resp["msg"])
		}
		data, _ := resp["data"].(map[string]any)
		if data == nil {
			continue
		}
		country, _ := data["country"].(string)
		countryCode := fmt.Sprintf("%v", data["countrycode"])
		urlStr, _ := data["url"].(string)
		if urlStr == "" {
			continue
		}
		c.info = &iotLoginInfo{BaseURL: urlStr, Country: country, CountryCode: countryCode}
		return c.info, nil
	}
	return nil, errors.New("no response from any base url")
}

func (c *ApiClient) baseURLOrLogin(ctx context.Context) (string, error) {
	if c.baseURL != "" {
		return c.baseURL, nil
	}
	info, err := c.getLoginInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.BaseURL, nil
}

// PassLogin performs a username/password login and returns the issued
// credential.
func (c *ApiClient) PassLogin(ctx context.Context, password string) (*UserData, error) {
	base, err := c.baseURLOrLogin(ctx)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"header_clientid": c.headerClientID()}
	resp, err := c.doRequest(ctx, "POST", base+"/api/v1/login", map[string]string{
		"username":        c.username,
		"password":        password,
		"needtwostepauth": "false",
	}, headers, nil)
	if err != nil {
		return nil, err
	}
	return userDataFromResponse(resp)
}

// RequestCode triggers delivery of a one-time code to the account email.
func (c *ApiClient) RequestCode(ctx context.Context) error {
	base, err := c.baseURLOrLogin(ctx)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"header_clientid":   c.headerClientID(),
		"Content-Type":      "application/x-www-form-urlencoded",
		"header_clientlang": "en",
	}
	resp, err := c.doRequest(ctx, "POST", base+"/api/v4/email/code/send", nil, headers, map[string]string{
		"email":    c.username,
		"type":     "login",
		"platform": "",
	})
	if err != nil {
		return err
	}
	if int(asFloat(resp["code"])) != 200 {
		return fmt.Errorf("%w: request code failed: %v", ErrAuth, resp["msg"])
	}
	return nil
}

func (c *ApiClient) signKey(ctx context.Context, s string) (string, error) {
	base, err := c.baseURLOrLogin(ctx)
	if err != nil {
		return "", err
	}
	headers := map[string]string{"header_clientid": c.headerClientID()}
	resp, err := c.doRequest(ctx, "POST", base+"/api/v3/key/sign", map[string]string{"s": s}, headers, nil)
	if err != nil {
		return "", err
	}
	if int(asFloat(resp["code"])) != 200 {
		return "", fmt.Errorf("sign key failed: %v", resp["msg"])
	}
	data, _ := resp["data"].(map[string]any)
	key, _ := data["k"].(string)
	if key == "" {
		return "", errors.New("missing key in sign response")
	}
	return key, nil
}

// CodeLogin exchanges a delivered one-time code for a credential.
func (c *ApiClient) CodeLogin(ctx context.Context, code string) (*UserData, error) {
	base, err := c.baseURLOrLogin(ctx)
	if err != nil {
		return nil, err
	}
	info, err := c.getLoginInfo(ctx)
	if err != nil {
		return nil, err
	}
	ks := randomAlphaNumeric(16)
	k, err := c.signKey(ctx, ks)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"header_clientid":    c.headerClientID(),
		"x-mercy-ks":         ks,
		"x-mercy-k":          k,
		"Content-Type":       "application/x-www-form-urlencoded",
		"header_clientlang":  "en",
		"header_appversion":  "4.54.02",
		"header_phonesystem": "iOS",
		"header_phonemodel":  "iPhone16,1",
	}
	resp, err := c.doRequest(ctx, "POST", base+"/api/v4/auth/email/login/code", nil, headers, map[string]string{
		"country":      info.Country,
		"countryCode":  info.CountryCode,
		"email":        c.username,
		"code":         code,
		"majorVersion": "14",
		"minorVersion": "0",
	})
	if err != nil {
		return nil, err
	}
	return userDataFromResponse(resp)
}

func userDataFromResponse(resp map[string]any) (*UserData, error) {
	if int(asFloat(resp["code"])) != 200 {
		return nil, fmt.Errorf("%w: login failed: %v", ErrAuth, resp["msg"])
	}
	data, _ := resp["data"].(map[string]any)
	if data == nil {
		return nil, fmt.Errorf("%w: missing user data", ErrAuth)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return ParseUserData(raw)
}

func (c *ApiClient) getHomeID(ctx context.Context, userData *UserData) (int64, error) {
	base, err := c.baseURLOrLogin(ctx)
	if err != nil {
		return 0, err
	}
	headers := map[string]string{
		"header_clientid": c.headerClientID(),
		"Authorization":   userData.Token,
	}
	resp, err := c.doRequest(ctx, "GET", base+"/api/v1/getHomeDetail", nil, headers, nil)
	if err != nil {
		return 0, err
	}
	if int(asFloat(resp["code"])) != 200 {
		return 0, fmt.Errorf("%w: get home id failed: %v", ErrAuth, resp["msg"])
	}
	data, _ := resp["data"].(map[string]any)
	if data == nil {
		return 0, errors.New("missing home id")
	}
	return int64(asFloat(data["rrHomeId"])), nil
}

// GetHomeData fetches the account catalog using the given credential. A
// rejection here usually means the credential has expired.
func (c *ApiClient) GetHomeData(ctx context.Context, userData *UserData) (*HomeData, error) {
	if userData == nil {
		return nil, fmt.Errorf("%w: userData required", ErrAuth)
	}
	homeID, err := c.getHomeID(ctx, userData)
	if err != nil {
		return nil, err
	}
	base := userData.RRIOT.R.A
	if base == "" {
		return nil, fmt.Errorf("%w: missing rriot base url", ErrAuth)
	}
	headers := map[string]string{
		"Authorization": hawkAuth(userData.RRIOT, fmt.Sprintf("/v3/user/homes/%d", homeID), nil, nil),
	}
	resp, err := c.doRequest(ctx, "GET", base+fmt.Sprintf("/v3/user/homes/%d", homeID), nil, headers, nil)
	if err != nil {
		return nil, err
	}
	if success, _ := resp["success"].(bool); !success {
		return nil, fmt.Errorf("%w: home data failed: %v", ErrAuth, resp["msg"])
	}
	resultBytes, err := json.Marshal(resp["result"])
	if err != nil {
		return nil, err
	}
	var home HomeData
	if err := json.Unmarshal(resultBytes, &home); err != nil {
		return nil, err
	}
	return &home, nil
}

func (c *ApiClient) headerClientID() string {
	md5sum := md5Bytes(append([]byte(c.username), []byte(c.deviceID)...))
	return base64.StdEncoding.EncodeToString(md5sum)
}

func (c *ApiClient) doRequest(ctx context.Context, method, rawURL string, params map[string]string, headers map[string]string, form map[string]string) (map[string]any, error) {
	urlObj, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if params != nil {
		q := urlObj.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		urlObj.RawQuery = q.Encode()
	}

	var body io.Reader
	if form != nil {
		vals := url.Values{}
		for k, v := range form {
			vals.Set(k, v)
		}
		body = strings.NewReader(vals.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, urlObj.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func randomAlphaNumeric(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = letters[rand.Intn(len(letters))]
	}
	return string(buf)
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return math.NaN()
	}
}

func hawkAuth(rriot RRiot, urlPath string, formdata map[string]string, params map[string]string) string {
	ts := time.Now().Unix()
	nonce := randomAlphaNumeric(8)
	paramsStr := hawkExtra(params)
	formStr := hawkExtra(formdata)
	prestr := strings.Join([]string{
		rriot.U,
		rriot.S,
		nonce,
		strconv.FormatInt(ts, 10),
		md5Hex([]byte(urlPath)),
		paramsStr,
		formStr,
	}, ":")
	mac := base64.StdEncoding.EncodeToString(hmacSha256([]byte(rriot.H), []byte(prestr)))
	return fmt.Sprintf("Hawk id=\"%s\",s=\"%s\",ts=\"%d\",nonce=\"%s\",mac=\"%s\"", rriot.U, rriot.S, ts, nonce, mac)
}

func hawkExtra(values map[string]string) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, values[k]))
	}
	return md5Hex([]byte(strings.Join(parts, "&")))
}
