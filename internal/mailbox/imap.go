package mailbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-sasl"
)

const snippetLength = 200

// IMAPSearch describes the server-side search an IMAPClient runs. IMAP has
// no Gmail query syntax, so the predicate is expressed as criteria instead.
type IMAPSearch struct {
	NewerThanDays int
	Keywords      []string
	Domains       []string
	Now           func() time.Time
}

// IMAPClient adapts an OAUTHBEARER-capable IMAP server to Client. Message ids are
// UIDs of the INBOX; page tokens are offsets into the search result.
type IMAPClient struct {
	conn   *client.Client
	search IMAPSearch
	uids   []uint32
}

// dialIMAP opens the server connection; tests swap in a plaintext dial.
var dialIMAP = func(addr string) (*client.Client, error) {
	return client.DialTLS(addr, nil)
}

// DialIMAP connects over TLS and authenticates with an OAuth bearer token.
func DialIMAP(ctx context.Context, addr, username, accessToken string, search IMAPSearch) (*IMAPClient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c, err := dialIMAP(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: username,
		Token:    accessToken,
	})
	if err := c.Authenticate(auth); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	if _, err := c.Select("INBOX", true); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	if search.Now == nil {
		search.Now = time.Now
	}
	return &IMAPClient{conn: c, search: search}, nil
}

// List implements Client. The query argument is ignored in favour of the
// criteria given to DialIMAP.
func (c *IMAPClient) List(ctx context.Context, _ string, pageToken string, maxResults int64) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return Page{}, fmt.Errorf("invalid page token %q", pageToken)
		}
		offset = n
	}

	if offset == 0 || c.uids == nil {
		uids, err := c.conn.UidSearch(searchCriteria(c.search))
		if err != nil {
			return Page{}, fmt.Errorf("failed to search messages: %w", err)
		}
		// newest first, the way the Gmail API lists
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
		c.uids = uids
	}

	if offset >= len(c.uids) {
		return Page{}, nil
	}
	end := offset + int(maxResults)
	if maxResults <= 0 || end > len(c.uids) {
		end = len(c.uids)
	}

	page := Page{}
	for _, uid := range c.uids[offset:end] {
		page.Refs = append(page.Refs, MessageRef{ID: strconv.FormatUint(uint64(uid), 10)})
	}
	if end < len(c.uids) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// Get implements Client.
func (c *IMAPClient) Get(ctx context.Context, id string) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q", id)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(uid))
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.conn.UidFetch(seqset, items, messages)
	}()

	var msg *imap.Message
	for m := range messages {
		if msg == nil {
			msg = m
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s not found", id)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("message %s has no body", id)
	}
	return readEnvelope(id, msg.InternalDate, body)
}

// Close logs out and closes the connection.
func (c *IMAPClient) Close() error {
	return c.conn.Logout()
}

func readEnvelope(id string, internalDate time.Time, r io.Reader) (*Envelope, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	payload, err := entityPart(entity, err == nil)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:           id,
		Snippet:      snippetOf(payload),
		InternalDate: internalDate,
		Payload:      payload,
	}, nil
}

// entityPart converts a parsed entity into a Part tree. go-message has
// already undone the transfer encoding and, unless the charset was unknown,
// converted text to UTF-8.
func entityPart(e *message.Entity, converted bool) (*Part, error) {
	part := &Part{Charset: "utf-8"}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	part.MimeType = strings.ToLower(mediaType)
	if cs := strings.ToLower(params["charset"]); cs != "" && !converted {
		part.Charset = cs
	}

	fields := e.Header.Fields()
	for fields.Next() {
		part.Headers = append(part.Headers, Header{Name: fields.Key(), Value: fields.Value()})
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return nil, fmt.Errorf("failed to read part: %w", err)
			}
			child, err := entityPart(p, err == nil)
			if err != nil {
				return nil, err
			}
			part.Parts = append(part.Parts, child)
		}
		return part, nil
	}

	content, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read part body: %w", err)
	}
	part.Data = base64.URLEncoding.EncodeToString(content)
	return part, nil
}

func snippetOf(p *Part) string {
	if p == nil {
		return ""
	}
	if len(p.Parts) == 0 {
		if p.MimeType != "text/plain" {
			return ""
		}
		data, err := base64.URLEncoding.DecodeString(p.Data)
		if err != nil || !utf8.Valid(data) {
			return ""
		}
		text := strings.Join(strings.Fields(string(data)), " ")
		if utf8.RuneCountInString(text) > snippetLength {
			text = string([]rune(text)[:snippetLength])
		}
		return text
	}
	for _, child := range p.Parts {
		if s := snippetOf(child); s != "" {
			return s
		}
	}
	return ""
}

func searchCriteria(s IMAPSearch) *imap.SearchCriteria {
	criteria := imap.NewSearchCriteria()
	if s.NewerThanDays > 0 {
		criteria.Since = s.Now().AddDate(0, 0, -s.NewerThanDays)
	}

	var keywords, senders []*imap.SearchCriteria
	for _, k := range s.Keywords {
		c := imap.NewSearchCriteria()
		c.Text = []string{k}
		keywords = append(keywords, c)
	}
	for _, d := range s.Domains {
		c := imap.NewSearchCriteria()
		c.Header.Add("From", d)
		senders = append(senders, c)
	}

	and(criteria, anyOf(keywords))
	and(criteria, anyOf(senders))
	return criteria
}

// anyOf folds criteria into a right-nested OR chain.
func anyOf(items []*imap.SearchCriteria) *imap.SearchCriteria {
	switch len(items) {
	case 0:
		return nil
	case 1:
		return items[0]
	}
	c := imap.NewSearchCriteria()
	c.Or = [][2]*imap.SearchCriteria{{items[0], anyOf(items[1:])}}
	return c
}

// and merges src into dst; fields of one criteria value are ANDed together.
func and(dst, src *imap.SearchCriteria) {
	if src == nil {
		return
	}
	dst.Text = append(dst.Text, src.Text...)
	for k, vs := range src.Header {
		for _, v := range vs {
			dst.Header.Add(k, v)
		}
	}
	dst.Or = append(dst.Or, src.Or...)
}
