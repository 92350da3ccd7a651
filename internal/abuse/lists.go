package abuse

import (
	"regexp"
	"strings"
)

var defaultDisposableDomains = []string{
	"10minutemail.com",
	"burnermail.io",
	"dispostable.com",
	"emailondeck.com",
	"fakeinbox.com",
	"getnada.com",
	"guerrillamail.com",
	"guerrillamail.net",
	"maildrop.cc",
	"mailinator.com",
	"mintemail.com",
	"mohmal.com",
	"sharklasers.com",
	"spamgourmet.com",
	"tempail.com",
	"temp-mail.org",
	"tempmail.com",
	"throwawaymail.com",
	"trashmail.com",
	"yopmail.com",
}

var defaultSpamKeywords = []string{
	"casino",
	"viagra",
	"cialis",
	"pharmacy",
	"payday loan",
	"crypto pump",
	"bitcoin doubler",
	"binary options",
	"forex signals",
	"buy followers",
	"backlinks",
	"seo services",
	"lottery winner",
	"weight loss pills",
	"work from home",
	"escort",
	"100% free",
	"double your money",
}

var defaultBotUserAgents = []string{
	"python-requests",
	"python-urllib",
	"aiohttp",
	"curl/",
	"wget/",
	"go-http-client",
	"java/",
	"apache-httpclient",
	"okhttp",
	"libwww-perl",
	"mechanize",
	"scrapy",
	"node-fetch",
	"axios/",
	"httpie",
	"postmanruntime",
	"headlesschrome",
	"phantomjs",
	"crawler",
	"spider",
}

// ListOverrides adjusts the built-in rule lists
type ListOverrides struct {
	Replace           bool // Use only the given entries instead of extending the defaults
	DisposableDomains []string
	SpamKeywords      []string
	BotUserAgents     []string
}

type keyword struct {
	phrase string
	re     *regexp.Regexp
}

// Lists holds the rule lists used by the filter.
// A Lists value is never modified after construction.
type Lists struct {
	disposable map[string]struct{}
	keywords   []keyword
	botAgents  []string
}

// DefaultLists returns the built-in rule lists
func DefaultLists() *Lists {
	return NewLists(ListOverrides{})
}

// NewLists builds rule lists from the defaults and overrides
func NewLists(o ListOverrides) *Lists {
	var domains, keywords, agents []string
	if !o.Replace {
		domains = append(domains, defaultDisposableDomains...)
		keywords = append(keywords, defaultSpamKeywords...)
		agents = append(agents, defaultBotUserAgents...)
	}
	domains = append(domains, o.DisposableDomains...)
	keywords = append(keywords, o.SpamKeywords...)
	agents = append(agents, o.BotUserAgents...)

	l := &Lists{disposable: make(map[string]struct{})}

	for _, d := range domains {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			l.disposable[d] = struct{}{}
		}
	}

	seen := make(map[string]bool)
	for _, k := range keywords {
		k = strings.ToLower(strings.Join(strings.Fields(k), " "))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		l.keywords = append(l.keywords, keyword{phrase: k, re: phraseRegexp(k)})
	}

	for _, a := range agents {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			l.botAgents = append(l.botAgents, a)
		}
	}

	return l
}

// phraseRegexp matches a phrase case-insensitively on word boundaries.
// Whitespace inside the phrase matches any run of whitespace.
func phraseRegexp(phrase string) *regexp.Regexp {
	parts := strings.Fields(phrase)
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	pattern := strings.Join(parts, `\s+`)

	// \b only works next to word characters
	if isWordByte(phrase[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(phrase[len(phrase)-1]) {
		pattern += `\b`
	}
	return regexp.MustCompile(`(?i)` + pattern)
}

func isWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// IsDisposable reports whether the email domain or one of its parents is disposable
func (l *Lists) IsDisposable(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.Trim(strings.ToLower(strings.TrimSpace(email[at+1:])), ".")

	for domain != "" {
		if _, ok := l.disposable[domain]; ok {
			return true
		}
		dot := strings.Index(domain, ".")
		if dot < 0 {
			break
		}
		domain = domain[dot+1:]
	}
	return false
}

// MatchKeywords returns the distinct spam keywords found in text
func (l *Lists) MatchKeywords(text string) []string {
	var found []string
	for _, k := range l.keywords {
		if k.re.MatchString(text) {
			found = append(found, k.phrase)
		}
	}
	return found
}

// IsBotAgent reports whether the User-Agent contains a bot signature
func (l *Lists) IsBotAgent(userAgent string) bool {
	ua := strings.ToLower(userAgent)
	for _, sig := range l.botAgents {
		if strings.Contains(ua, sig) {
			return true
		}
	}
	return false
}

// Sizes returns the number of entries in each list, for logging
func (l *Lists) Sizes() (disposable, keywords, botAgents int) {
	return len(l.disposable), len(l.keywords), len(l.botAgents)
}
