package relayer

import (
	"crypto/ecdsa"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

const DefaultDerivationPathPrefix = "m/44'/60'/0'/0/"

type WalletConfig struct {
	Index            uint32  `yaml:"index"`
	Priority         int     `yaml:"priority"`
	Chains           []Chain `yaml:"chains"`
	ShieldedReceiver bool    `yaml:"shieldedReceiver"`
}

type ActiveWallet struct {
	Address    common.Address
	PrivateKey *ecdsa.PrivateKey
	HDIndex    uint32
	Priority   int
	// Chains restricts the wallet to the listed chains, empty means every chain.
	Chains           []Chain
	ShieldedReceiver bool
}

func (w *ActiveWallet) SupportsChain(chain Chain) bool {
	if len(w.Chains) == 0 {
		return true
	}
	for _, c := range w.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// DeriveKey derives the private key at path from a BIP-39 mnemonic.
func DeriveKey(mnemonic, path string) (*ecdsa.PrivateKey, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, err
	}
	derivationPath, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	for _, n := range derivationPath {
		key, err = key.Derive(n)
		if err != nil {
			return nil, err
		}
	}
	privateKey, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return privateKey.ToECDSA(), nil
}

// WalletPool is the fixed set of hot wallets derived at startup.
type WalletPool struct {
	wallets  []*ActiveWallet
	receiver *ActiveWallet
	byAddr   map[common.Address]*ActiveWallet
}

func NewWalletPool(mnemonic string, configs []WalletConfig) (*WalletPool, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, configErrorf("invalid mnemonic")
	}
	pool := &WalletPool{byAddr: make(map[common.Address]*ActiveWallet, len(configs))}
	seen := make(map[uint32]bool, len(configs))
	for _, cfg := range configs {
		if seen[cfg.Index] {
			return nil, configErrorf("duplicate wallet index %d", cfg.Index)
		}
		seen[cfg.Index] = true

		key, err := DeriveKey(mnemonic, fmt.Sprintf("%s%d", DefaultDerivationPathPrefix, cfg.Index))
		if err != nil {
			return nil, configErrorf("derive wallet %d: %v", cfg.Index, err)
		}
		wallet := &ActiveWallet{
			Address:          crypto.PubkeyToAddress(key.PublicKey),
			PrivateKey:       key,
			HDIndex:          cfg.Index,
			Priority:         cfg.Priority,
			Chains:           append([]Chain(nil), cfg.Chains...),
			ShieldedReceiver: cfg.ShieldedReceiver,
		}
		if wallet.ShieldedReceiver {
			if pool.receiver != nil {
				return nil, configErrorf("wallets %d and %d are both shielded receivers", pool.receiver.HDIndex, cfg.Index)
			}
			pool.receiver = wallet
		}
		pool.wallets = append(pool.wallets, wallet)
		pool.byAddr[wallet.Address] = wallet
	}
	if pool.receiver == nil {
		return nil, configErrorf("no shielded receiver wallet configured")
	}
	sort.SliceStable(pool.wallets, func(i, j int) bool {
		return pool.wallets[i].Priority < pool.wallets[j].Priority
	})
	return pool, nil
}

func (p *WalletPool) ActiveWalletsForChain(chain Chain) []*ActiveWallet {
	res := make([]*ActiveWallet, 0, len(p.wallets))
	for _, w := range p.wallets {
		if w.SupportsChain(chain) {
			res = append(res, w)
		}
	}
	return res
}

func (p *WalletPool) ShieldedReceiver() *ActiveWallet {
	return p.receiver
}

func (p *WalletPool) Wallet(address common.Address) (*ActiveWallet, bool) {
	w, ok := p.byAddr[address]
	return w, ok
}

func (p *WalletPool) All() []*ActiveWallet {
	return append([]*ActiveWallet(nil), p.wallets...)
}
