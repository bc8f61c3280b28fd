package tron

import "encoding/json"

// Account is the subset of wallet/getaccount the sweep core reads.
type Account struct {
	Address string `json:"address"`
	Balance int64  `json:"balance"` // TRX balance in SUN
}

// AccountResources mirrors wallet/getaccountresource.
type AccountResources struct {
	EnergyLimit  int64 `json:"EnergyLimit"`
	EnergyUsed   int64 `json:"EnergyUsed"`
	NetLimit     int64 `json:"NetLimit"`
	NetUsed      int64 `json:"NetUsed"`
	FreeNetLimit int64 `json:"freeNetLimit"`
	FreeNetUsed  int64 `json:"freeNetUsed"`
}

// AvailableEnergy returns the unspent staked energy on the account.
func (r *AccountResources) AvailableEnergy() int64 {
	return r.EnergyLimit - r.EnergyUsed
}

// Transaction is an unsigned or signed TRON transaction as returned by
// the node HTTP API. RawData stays opaque; the txID is the payload that
// gets signed.
type Transaction struct {
	TxID       string          `json:"txID"`
	RawData    json.RawMessage `json:"raw_data"`
	RawDataHex string          `json:"raw_data_hex"`
	Signature  []string        `json:"signature,omitempty"`
	Visible    bool            `json:"visible,omitempty"`
}

// triggerRequest is the wallet/triggersmartcontract payload.
type triggerRequest struct {
	OwnerAddress     string `json:"owner_address"`
	ContractAddress  string `json:"contract_address"`
	FunctionSelector string `json:"function_selector"`
	Parameter        string `json:"parameter"`
	FeeLimit         int64  `json:"fee_limit"`
	CallValue        int64  `json:"call_value"`
	Visible          bool   `json:"visible"`
}

type triggerResult struct {
	Result struct {
		Result  bool   `json:"result"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"result"`
	Transaction Transaction `json:"transaction"`
	EnergyUsed  int64       `json:"energy_used"`
}

// broadcastResult is the wallet/broadcasttransaction response.
type broadcastResult struct {
	Result  bool   `json:"result"`
	TxID    string `json:"txid"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransactionInfo mirrors wallet/gettransactioninfobyid.
type TransactionInfo struct {
	ID          string `json:"id"`
	Fee         int64  `json:"fee"`
	BlockNumber int64  `json:"blockNumber"`
	Result      string `json:"result"` // empty on success, "FAILED" on revert
	Receipt     struct {
		EnergyUsageTotal int64  `json:"energy_usage_total"`
		NetFee           int64  `json:"net_fee"`
		Result           string `json:"result"`
	} `json:"receipt"`
}

// Failed reports whether the chain rejected or reverted the execution.
func (i *TransactionInfo) Failed() bool {
	return i.Result == "FAILED" || i.Receipt.Result == "REVERT" || i.Receipt.Result == "OUT_OF_ENERGY"
}

type nowBlock struct {
	BlockHeader struct {
		RawData struct {
			Number int64 `json:"number"`
		} `json:"raw_data"`
	} `json:"block_header"`
}
