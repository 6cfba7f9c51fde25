// Package trust implements the authenticated peer client: the
// known-peer classification table, trust policy presets, and the
// post-connection challenge/response handshake that gates the message
// plane until a peer is verified.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rtchat/meshcore/internal/keystore"
)

// Category classifies a newly-seen peer based on what the known-hosts
// table already records about its claimed public key and name.
type Category string

const (
	CategoryTheOneAndOnly         Category = "theoneandonly"
	CategoryKnownWithKnownAliases Category = "knownwithknownaliases"
	CategoryPossibleNameChange    Category = "possiblenamechange"
	CategoryPossibleSharedPubKey  Category = "possiblesharedpubkey"
	CategoryNameSwapCollision     Category = "nameswapcollision"
	CategoryPretender             Category = "pretender"
	CategoryNeverMet              Category = "nevermet"
)

// Classify derives a Category from the four bits the decision table is
// built on: whether the claimed key is known at all, whether it is bound
// under exactly this name, how many other names (if any) share that key,
// and whether this name is already bound to a different key.
func Classify(knownKey, knownName bool, aliases int, otherKeyForName bool) Category {
	switch {
	case knownKey && knownName && aliases == 0:
		return CategoryTheOneAndOnly
	case knownKey && knownName && aliases >= 1:
		return CategoryKnownWithKnownAliases
	case knownKey && !knownName && aliases == 1 && !otherKeyForName:
		return CategoryPossibleNameChange
	case knownKey && !knownName && aliases >= 1 && !otherKeyForName:
		return CategoryPossibleSharedPubKey
	case knownKey && !knownName && aliases >= 1 && otherKeyForName:
		return CategoryNameSwapCollision
	case !knownKey && !knownName && aliases == 0 && otherKeyForName:
		return CategoryPretender
	default:
		return CategoryNeverMet
	}
}

// Level is the trust decision for a category.
type Level string

const (
	LevelReject           Level = "reject"
	LevelPromptAndTrust   Level = "promptandtrust"
	LevelConnectAndPrompt Level = "connectandprompt"
	LevelConnectAndTrust  Level = "connectandtrust"
)

// Policy maps every category to a trust level.
type Policy map[Category]Level

var allCategories = []Category{
	CategoryTheOneAndOnly,
	CategoryKnownWithKnownAliases,
	CategoryPossibleNameChange,
	CategoryPossibleSharedPubKey,
	CategoryNameSwapCollision,
	CategoryPretender,
	CategoryNeverMet,
}

func uniform(level Level) Policy {
	p := make(Policy, len(allCategories))
	for _, c := range allCategories {
		p[c] = level
	}
	return p
}

// Presets returns the named trust policy preset.
func Presets(name string) (Policy, error) {
	switch name {
	case "alwaysprompt":
		return uniform(LevelPromptAndTrust), nil
	case "strict":
		return Policy{
			CategoryTheOneAndOnly:         LevelConnectAndTrust,
			CategoryKnownWithKnownAliases: LevelPromptAndTrust,
			CategoryPossibleNameChange:    LevelPromptAndTrust,
			CategoryPossibleSharedPubKey:  LevelPromptAndTrust,
			CategoryNameSwapCollision:     LevelReject,
			CategoryPretender:             LevelReject,
			CategoryNeverMet:              LevelPromptAndTrust,
		}, nil
	case "strictandquiet":
		return Policy{
			CategoryTheOneAndOnly:         LevelConnectAndTrust,
			CategoryKnownWithKnownAliases: LevelReject,
			CategoryPossibleNameChange:    LevelReject,
			CategoryPossibleSharedPubKey:  LevelReject,
			CategoryNameSwapCollision:     LevelReject,
			CategoryPretender:             LevelReject,
			CategoryNeverMet:              LevelReject,
		}, nil
	case "moderate":
		return Policy{
			CategoryTheOneAndOnly:         LevelConnectAndTrust,
			CategoryKnownWithKnownAliases: LevelConnectAndPrompt,
			CategoryPossibleNameChange:    LevelConnectAndPrompt,
			CategoryPossibleSharedPubKey:  LevelConnectAndPrompt,
			CategoryNameSwapCollision:     LevelPromptAndTrust,
			CategoryPretender:             LevelReject,
			CategoryNeverMet:              LevelConnectAndPrompt,
		}, nil
	case "moderateandquiet":
		return Policy{
			CategoryTheOneAndOnly:         LevelConnectAndTrust,
			CategoryKnownWithKnownAliases: LevelConnectAndTrust,
			CategoryPossibleNameChange:    LevelConnectAndTrust,
			CategoryPossibleSharedPubKey:  LevelConnectAndTrust,
			CategoryNameSwapCollision:     LevelPromptAndTrust,
			CategoryPretender:             LevelReject,
			CategoryNeverMet:              LevelConnectAndTrust,
		}, nil
	case "lax":
		return Policy{
			CategoryTheOneAndOnly:         LevelConnectAndTrust,
			CategoryKnownWithKnownAliases: LevelConnectAndTrust,
			CategoryPossibleNameChange:    LevelConnectAndTrust,
			CategoryPossibleSharedPubKey:  LevelConnectAndTrust,
			CategoryNameSwapCollision:     LevelConnectAndPrompt,
			CategoryPretender:             LevelConnectAndPrompt,
			CategoryNeverMet:              LevelConnectAndTrust,
		}, nil
	case "unsafe":
		return uniform(LevelConnectAndTrust), nil
	case "rejectall":
		return uniform(LevelReject), nil
	default:
		return nil, fmt.Errorf("trust: unknown preset %q", name)
	}
}

// PromptHandler surfaces a connection decision to the application. It is
// called synchronously (the engine's event loop is single-threaded and
// cooperative) and must return promptly.
type PromptHandler func(peer string, userInfo any, category Category) bool

// Ask issues a question to peer on the given topic and blocks for the
// correlated answer, exactly as messageplane.Plane.Question does — the
// handshake rides the same question/answer substrate as every other
// request/response exchange instead of a dedicated data channel.
type Ask func(ctx context.Context, peer, topic string, content any) (json.RawMessage, error)

// Validator runs the trust state machine: classification, the
// shouldConnectTo policy gate, and the post-connection challenge/
// response handshake.
type Validator struct {
	hosts    *keystore.KnownHosts
	identity *keystore.Identity
	policy   Policy
	onPrompt PromptHandler
	ask      Ask

	onValidation func(peer string, trusted bool)
	// onValidationFailure is invoked after the stored key for peer has
	// already been removed; the caller is responsible for disconnecting
	// the peer connection.
	onValidationFailure func(peer string)

	mu        sync.Mutex
	validated map[string]bool
}

// Config bundles a Validator's dependencies.
type Config struct {
	Hosts               *keystore.KnownHosts
	Identity            *keystore.Identity
	Policy              Policy
	Ask                 Ask
	OnPrompt            PromptHandler
	OnValidation        func(peer string, trusted bool)
	OnValidationFailure func(peer string)
}

// NewValidator constructs a Validator.
func NewValidator(cfg Config) *Validator {
	return &Validator{
		hosts:               cfg.Hosts,
		identity:            cfg.Identity,
		policy:              cfg.Policy,
		onPrompt:            cfg.OnPrompt,
		ask:                 cfg.Ask,
		onValidation:        cfg.OnValidation,
		onValidationFailure: cfg.OnValidationFailure,
		validated:           make(map[string]bool),
	}
}

// classify looks up peerName/claimedKey in the known-hosts table and
// derives a Category. knownKey is true when claimedKey is bound to any
// name; knownName is true when peerName is specifically bound to
// claimedKey; aliases counts other names bound to claimedKey; and
// otherKeyForName is true when peerName is already bound to a different
// key than the one claimed.
func (v *Validator) classify(peerName, claimedKey string) Category {
	storedKeyForName, nameBound := v.hosts.GetPublicKey(peerName)

	knownKey := false
	knownName := false
	aliases := 0
	if claimedKey != "" {
		for _, n := range v.hosts.GetPeerNames(claimedKey) {
			knownKey = true
			if n == peerName {
				knownName = true
			} else {
				aliases++
			}
		}
	}

	otherKeyForName := nameBound && storedKeyForName != claimedKey

	return Classify(knownKey, knownName, aliases, otherKeyForName)
}

// ShouldConnectTo is installed as the presence layer's connection
// policy. claimedKey is extracted by the caller from the peer's
// announced user-info (empty if the peer announced no identity).
func (v *Validator) ShouldConnectTo(peer string, claimedKey string, rawUserInfo any) bool {
	cat := v.classify(peer, claimedKey)
	level := v.policy[cat]

	switch level {
	case LevelReject:
		return false
	case LevelPromptAndTrust:
		if v.onPrompt == nil {
			return false
		}
		decision := v.onPrompt(peer, rawUserInfo, cat)
		if decision && claimedKey != "" {
			if err := v.hosts.SavePublicKey(peer, claimedKey); err != nil {
				log.Printf("trust: save public key for %s: %v", peer, err)
			}
		}
		return decision
	case LevelConnectAndPrompt:
		if v.onPrompt != nil {
			v.onPrompt(peer, rawUserInfo, cat)
		}
		return true
	default: // connectandtrust
		return true
	}
}

// IsVerified reports whether peer has completed the challenge/response
// handshake.
func (v *Validator) IsVerified(peer string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validated[peer]
}

const settleDelay = 500 * time.Millisecond

// BeginHandshake is called once a peer connection's data channels are
// all open. After a short settle delay it asks either an "identify"
// question (no stored key yet) or a "challenge" question (stored key
// present, used to detect impersonation) and waits for the peer's signed
// reply. BeginHandshake itself returns immediately; the delay, question
// and verification run in a background goroutine.
func (v *Validator) BeginHandshake(ctx context.Context, peer string) {
	go func() {
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return
		}

		challenge, err := keystore.NewChallenge()
		if err != nil {
			log.Printf("trust: generate challenge for %s: %v", peer, err)
			return
		}

		storedKey, known := v.hosts.GetPublicKey(peer)
		topic := "challenge"
		if !known {
			topic = "identify"
		}

		raw, err := v.ask(ctx, peer, topic, map[string]string{"challenge": challenge})
		if err != nil {
			log.Printf("trust: %s handshake with %s: %v", topic, peer, err)
			return
		}

		var resp challengeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			v.fail(peer)
			return
		}

		keyString := storedKey
		if topic == "identify" {
			keyString = resp.PublicKeyString
		}
		if keyString == "" {
			v.fail(peer)
			return
		}

		pub, err := keystore.ParsePublicKeyString(keyString)
		if err != nil {
			v.fail(peer)
			return
		}
		if !keystore.Verify(pub, resp.Signature, challenge) {
			v.fail(peer)
			return
		}

		if topic == "identify" {
			if err := v.hosts.SavePublicKey(peer, keyString); err != nil {
				log.Printf("trust: bind key for %s: %v", peer, err)
				v.fail(peer)
				return
			}
		}

		v.mu.Lock()
		v.validated[peer] = true
		v.mu.Unlock()
		if v.onValidation != nil {
			v.onValidation(peer, true)
		}
	}()
}

type challengeResponse struct {
	PublicKeyString string `json:"publicKeyString,omitempty"`
	Signature       string `json:"signature"`
}

// AnswerIdentify and AnswerChallenge are messageplane.QuestionHandler-
// shaped entry points registered for the "identify"/"challenge" question
// topics: they unpack the challenge a peer is asking us to sign and
// return the reply that Question on the asking side unmarshals as a
// challengeResponse.
func (v *Validator) AnswerIdentify(_ string, content json.RawMessage) (json.RawMessage, error) {
	return v.answerQuestion("identify", content)
}

func (v *Validator) AnswerChallenge(_ string, content json.RawMessage) (json.RawMessage, error) {
	return v.answerQuestion("challenge", content)
}

func (v *Validator) answerQuestion(topic string, content json.RawMessage) (json.RawMessage, error) {
	var probe struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(content, &probe); err != nil || probe.Challenge == "" {
		return nil, fmt.Errorf("trust: malformed %s question", topic)
	}
	return v.RespondToChallenge(topic, probe.Challenge)
}

func (v *Validator) fail(peer string) {
	v.mu.Lock()
	delete(v.validated, peer)
	v.mu.Unlock()
	if err := v.hosts.RemovePublicKey(peer); err != nil {
		log.Printf("trust: remove key for %s after failed handshake: %v", peer, err)
	}
	if v.onValidationFailure != nil {
		v.onValidationFailure(peer)
	}
}

// RespondToChallenge signs challenge with the local identity and returns
// the reply payload to send back as the question's answer.
func (v *Validator) RespondToChallenge(topic, challenge string) ([]byte, error) {
	sig, err := keystore.Sign(v.identity, challenge)
	if err != nil {
		return nil, fmt.Errorf("trust: sign challenge: %w", err)
	}
	resp := challengeResponse{Signature: sig}
	if topic == "identify" {
		pub, err := v.identity.PublicKeyString()
		if err != nil {
			return nil, fmt.Errorf("trust: export public key: %w", err)
		}
		resp.PublicKeyString = pub
	}
	return json.Marshal(resp)
}

// Unvalidate drops peer's verified status, e.g. on disconnect.
func (v *Validator) Unvalidate(peer string) {
	v.mu.Lock()
	delete(v.validated, peer)
	v.mu.Unlock()
}
